package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"giftauction/engine"
)

// Locker 以 AutoRenewMutex 實作的分散式租約，多個服務實例共用同一個 Redis
type Locker struct {
	rs     *redsync.Redsync
	prefix string
}

type LockerOption func(*Locker)

// WithLockerPrefix 設置鎖的鍵前綴
func WithLockerPrefix(prefix string) LockerOption {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

func NewLocker(client *redis.Client, opts ...LockerOption) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	l := &Locker{rs: redsync.New(goredis.NewPool(client))}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Locker) Acquire(ctx context.Context, key string, policy engine.LockPolicy) (engine.Lease, error) {
	const op = "LockerAcquire"

	opts := []AutoRenewMutexOption{
		WithAutoRenewMutexMaxTries(policy.MaxTries),
		WithAutoRenewMutexMaxWait(policy.Wait),
	}
	if policy.Expiry > 0 {
		opts = append(opts, WithAutoRenewMutexExpiry(policy.Expiry))
	}
	mutex := newAutoRenewMutex(l.rs, l.prefix+key, opts...)

	if _, err := mutex.Lock(ctx); err != nil {
		if errors.Is(err, ErrLockRetryExhausted) {
			return nil, fmt.Errorf("%w: key=%s, err=%w", engine.ErrLockNotAcquired, key, err)
		}
		return nil, fmt.Errorf("[%s] Fail to acquire lock, key=%s, err=%w", op, key, err)
	}
	return &lease{mutex: mutex, key: key}, nil
}

type lease struct {
	mutex IAutoRenewMutex
	key   string
	once  sync.Once
	err   error
}

// Release 只會釋放一次，之後的呼叫回傳第一次的結果
func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		ok, err := l.mutex.Unlock(ctx)
		if err != nil {
			l.err = fmt.Errorf("fail to release lock, key=%s, err=%w", l.key, err)
			return
		}
		if !ok {
			l.err = fmt.Errorf("fail to release lock, key=%s, err=lock already expired", l.key)
		}
	})
	return l.err
}
