package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Engine 負責出價結算與輪次結算
type Engine struct {
	store   LedgerStore
	ranking RankingIndex
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time

	snipeWindow    time.Duration
	snipeExtension time.Duration
	bidLock        LockPolicy
	processLock    LockPolicy
	faucetAmount   int64

	usernameCacheSize int
	usernames         *lru.Cache

	// stale 排行榜可能與帳本不一致、尚待重建的拍賣，值為標記時的序號
	stale    sync.Map
	staleSeq atomic.Uint64
}

type EngineOption func(*Engine)

// WithLogger 設置 logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock 設置取得目前時間的函式
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithAntiSniping 設置防狙擊的觸發時間窗與每次延長的時間
func WithAntiSniping(window, extension time.Duration) EngineOption {
	return func(e *Engine) {
		e.snipeWindow = window
		e.snipeExtension = extension
	}
}

// WithBidLockPolicy 設置出價時每位出價者的鎖
func WithBidLockPolicy(policy LockPolicy) EngineOption {
	return func(e *Engine) {
		e.bidLock = policy
	}
}

// WithProcessLockPolicy 設置輪次結算的鎖
func WithProcessLockPolicy(policy LockPolicy) EngineOption {
	return func(e *Engine) {
		e.processLock = policy
	}
}

// WithFaucetAmount 設置每次領取測試金的金額
func WithFaucetAmount(amount int64) EngineOption {
	return func(e *Engine) {
		e.faucetAmount = amount
	}
}

// WithUsernameCacheSize 設置排行榜使用者名稱快取的大小
func WithUsernameCacheSize(size int) EngineOption {
	return func(e *Engine) {
		e.usernameCacheSize = size
	}
}

func New(store LedgerStore, ranking RankingIndex, locker Locker, opts ...EngineOption) (*Engine, error) {
	const op = "NewEngine"

	if store == nil || ranking == nil || locker == nil {
		return nil, fmt.Errorf("[%s] Fail to create engine, err=store, ranking and locker are required", op)
	}

	e := &Engine{
		store:             store,
		ranking:           ranking,
		locker:            locker,
		logger:            slog.Default(),
		now:               time.Now,
		snipeWindow:       30 * time.Second,
		snipeExtension:    30 * time.Second,
		bidLock:           LockPolicy{Expiry: 4 * time.Second, Wait: 2 * time.Second},
		processLock:       LockPolicy{Expiry: 10 * time.Second, MaxTries: 1},
		faucetAmount:      1000,
		usernameCacheSize: 1024,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.faucetAmount <= 0 {
		return nil, fmt.Errorf("[%s] Fail to create engine, err=faucet amount must be positive", op)
	}

	cache, err := lru.New(e.usernameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create username cache, err=%w", op, err)
	}
	e.usernames = cache
	e.logger = e.logger.With(slog.String("caller", "Engine"))

	return e, nil
}

// FaucetAmount 每次領取測試金的金額
func (e *Engine) FaucetAmount() int64 {
	return e.faucetAmount
}

func bidLockKey(auctionID, userID fmt.Stringer) string {
	return fmt.Sprintf("lock:bid:%s:%s", auctionID, userID)
}

func processLockKey(auctionID fmt.Stringer) string {
	return fmt.Sprintf("lock:process:%s", auctionID)
}
