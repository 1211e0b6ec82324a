package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"giftauction/engine"
)

// slot 每個鍵一個容量 1 的 channel，refs 為持有者與等待者的數量
type slot struct {
	ch   chan struct{}
	refs int
}

// Locker 單一程序內的租約
// 租約在 Release 前一直有效，LockPolicy.Expiry 不會被使用
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewLocker() *Locker {
	return &Locker{slots: map[string]*slot{}}
}

func (l *Locker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

// unref 沒有持有者也沒有等待者時移除鍵
func (l *Locker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len 目前仍被持有或等待中的鍵數量
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Acquire MaxTries 為 1 時只嘗試一次，否則最多等待 Wait (0 代表等到 ctx 結束)
func (l *Locker) Acquire(ctx context.Context, key string, policy engine.LockPolicy) (engine.Lease, error) {
	s := l.ref(key)

	if policy.MaxTries == 1 {
		select {
		case s.ch <- struct{}{}:
			return &lease{locker: l, key: key, slot: s}, nil
		default:
			l.unref(key, s)
			return nil, fmt.Errorf("%w: key=%s", engine.ErrLockNotAcquired, key)
		}
	}

	var timeout <-chan time.Time
	if policy.Wait > 0 {
		timer := time.NewTimer(policy.Wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case s.ch <- struct{}{}:
		return &lease{locker: l, key: key, slot: s}, nil
	case <-timeout:
		l.unref(key, s)
		return nil, fmt.Errorf("%w: key=%s, wait=%s", engine.ErrLockNotAcquired, key, policy.Wait)
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}
}

type lease struct {
	locker *Locker
	key    string
	slot   *slot
	once   sync.Once
}

func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		<-l.slot.ch
		l.locker.unref(l.key, l.slot)
	})
	return nil
}
