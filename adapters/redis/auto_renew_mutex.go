package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockRetryExhausted 嘗試次數或等待時間用盡仍未取得鎖
	ErrLockRetryExhausted = errors.New("lock retry budget exhausted")
)

type AutoRenewMutex struct {
	*redsync.Mutex
	cancel   context.CancelFunc
	renewing bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  autoRenewMutexOptions
}

type autoRenewMutexOptions struct {
	renewInterval time.Duration
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	expiry        time.Duration
	maxTries      int
	maxWait       time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexRenewInterval 設置自動續期間隔
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置第一次重試的延遲，之後以指數成長
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexMaxRetryDelay 設置重試延遲的上限
func WithAutoRenewMutexMaxRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.maxRetryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexMaxTries 設置最多嘗試次數，0 代表不限
func WithAutoRenewMutexMaxTries(n int) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.maxTries = n
	}
}

// WithAutoRenewMutexMaxWait 設置取得鎖的最長等待時間，0 代表不限
func WithAutoRenewMutexMaxWait(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.maxWait = d
	}
}

// WithAutoRenewMutexSkipLockError 設置是否忽略所有鎖定錯誤
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// NewAutoRenewMutex 創建一個帶自動續期功能的互斥鎖
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	return newAutoRenewMutex(redsync.New(goredis.NewPool(client)), key, opts...)
}

func newAutoRenewMutex(rs *redsync.Redsync, key string, opts ...AutoRenewMutexOption) *AutoRenewMutex {
	options := autoRenewMutexOptions{
		expiry:        8 * time.Second,
		retryDelay:    50 * time.Millisecond,
		maxRetryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}
	// 未設置續期間隔時使用過期時間的 1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}
	options.maxRetryDelay = max(options.maxRetryDelay, options.retryDelay)

	// 重試由 Lock 自行控制，redsync 每次只嘗試一次
	return &AutoRenewMutex{
		Mutex:   rs.NewMutex(key, redsync.WithExpiry(options.expiry), redsync.WithTries(1)),
		options: options,
	}
}

// retryable 判斷取得鎖失敗後是否應該再試，Redis 通訊錯誤預設直接回傳
func (m *AutoRenewMutex) retryable(err error) bool {
	var commErr *redsync.RedisError
	return m.options.skipLockError || !errors.As(err, &commErr)
}

// Lock 獲取鎖並啟動自動續期，支持通過context取消
// 重試間隔以指數退避成長，超過 maxTries 或 maxWait 時回傳 ErrLockRetryExhausted
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if m.options.maxWait > 0 {
		waitTimer := time.NewTimer(m.options.maxWait)
		defer waitTimer.Stop()
		deadline = waitTimer.C
	}

	var retry *backoff.ExponentialBackOff
	for tries := 1; ; tries++ {
		err := m.Mutex.LockContext(ctx)
		if err == nil {
			return m.startAutoRenew(ctx), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !m.retryable(err) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if m.options.maxTries > 0 && tries >= m.options.maxTries {
			return nil, fmt.Errorf("%w: tries=%d, err=%w", ErrLockRetryExhausted, tries, err)
		}

		if retry == nil {
			retry = backoff.NewExponentialBackOff()
			retry.InitialInterval = m.options.retryDelay
			retry.MaxInterval = m.options.maxRetryDelay
			retry.RandomizationFactor = 0.2
			retry.Reset()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: wait=%s, err=%w", ErrLockRetryExhausted, m.options.maxWait, err)
		case <-time.After(retry.NextBackOff()):
		}
	}
}

// Unlock 停止自動續期並釋放鎖
func (m *AutoRenewMutex) Unlock(ctx context.Context) (bool, error) {
	m.stopAutoRenew()
	m.wg.Wait()
	return m.Mutex.UnlockContext(ctx)
}

// Valid 鎖仍在續期中且尚未過期
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.Mutex.Until())
}

// startAutoRenew 回傳的 context 會在續期失敗或 Unlock 時結束
func (m *AutoRenewMutex) startAutoRenew(parent context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockCtx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.renewing = true
	m.wg.Add(1)
	go m.renewLoop(lockCtx)
	return lockCtx
}

func (m *AutoRenewMutex) renewLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.options.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := m.Mutex.ExtendContext(ctx); err != nil || !ok {
				// 租約已經遺失
				m.stopAutoRenew()
				return
			}
		}
	}
}

func (m *AutoRenewMutex) stopAutoRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.renewing {
		return
	}
	m.renewing = false
	m.cancel()
}
