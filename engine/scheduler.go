package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"giftauction/models"
)

// SchedulerHook 在拍賣被啟動或結算後呼叫
type SchedulerHook func(ctx context.Context, auctionID uuid.UUID)

// Scheduler 定期啟動到期的 PENDING 拍賣並結算到期的輪次
//
// 每次執行完畢後才重新計時，上一次尚未結束時新的觸發會被略過而不是排隊。
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	hook     SchedulerHook

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithSchedulerInterval 設置輪詢間隔
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithSchedulerLogger 設置 logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerHook 設置狀態變更後的回呼
func WithSchedulerHook(hook SchedulerHook) SchedulerOption {
	return func(s *Scheduler) {
		s.hook = hook
	}
}

func NewScheduler(engine *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		interval: time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	s.logger = s.logger.With(slog.String("caller", "Scheduler"))
	return s
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("Scheduler started", slog.Duration("interval", s.interval))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("Scheduler stopped")

		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				s.Tick(ctx)
				timer.Reset(s.interval)
			}
		}
	}()
}

// Close 停止排程並等待進行中的工作結束
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick 執行一次檢查，回傳 false 代表上一次檢查仍在進行而略過
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Previous tick still running, skip")
		return false
	}
	defer s.running.Store(false)

	// 先修復先前失敗留下的排行榜，再處理到期的輪次
	if remaining := s.engine.reconcileStale(ctx); remaining > 0 {
		s.logger.Warn("Stale rankings remain", slog.Int("count", remaining))
	}

	auctions, err := s.engine.store.ListAuctions(ctx, models.AuctionStatusActive, models.AuctionStatusPending)
	if err != nil {
		s.logger.Error("Fail to list auctions", slog.Any("err", err))
		return true
	}

	now := s.engine.now()
	for _, auction := range auctions {
		if ctx.Err() != nil {
			return true
		}
		switch auction.Status {
		case models.AuctionStatusPending:
			if auction.StartTime.After(now) {
				continue
			}
			activated, err := s.engine.Activate(ctx, auction.ID)
			if err != nil {
				s.logger.Error("Fail to activate auction", slog.String("auction", auction.ID.String()), slog.Any("err", err))
				continue
			}
			if activated {
				s.notify(ctx, auction.ID)
			}
		case models.AuctionStatusActive:
			round := auction.CurrentRound()
			if round == nil || round.IsProcessed || now.Before(round.EndTime) {
				continue
			}
			settlement, err := s.engine.ProcessRoundEnd(ctx, auction.ID)
			if err != nil {
				s.logger.Error("Fail to process round", slog.String("auction", auction.ID.String()), slog.Any("err", err))
				continue
			}
			if !settlement.Skipped {
				s.notify(ctx, auction.ID)
			}
		}
	}
	return true
}

func (s *Scheduler) notify(ctx context.Context, auctionID uuid.UUID) {
	if s.hook != nil {
		s.hook(ctx, auctionID)
	}
}
