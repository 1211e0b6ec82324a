package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"giftauction/engine"
)

func TestNewLocker_NilClient(t *testing.T) {
	_, err := NewLocker(nil)
	assert.Error(t, err)
}

func TestLocker_AcquireRelease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	client, server, cleanupRedis := setupMiniredis(t)
	defer cleanupRedis()

	locker, err := NewLocker(client, WithLockerPrefix("test:"))
	require.NoError(t, err)

	policy := engine.LockPolicy{Expiry: 4 * time.Second, Wait: 200 * time.Millisecond}
	lease, err := locker.Acquire(context.Background(), "lock:bid:a:u", policy)
	require.NoError(t, err)
	assert.True(t, server.Exists("test:lock:bid:a:u"))

	// 已被持有時回傳 ErrLockNotAcquired
	_, err = locker.Acquire(context.Background(), "lock:bid:a:u", policy)
	assert.ErrorIs(t, err, engine.ErrLockNotAcquired)

	require.NoError(t, lease.Release(context.Background()))
	assert.False(t, server.Exists("test:lock:bid:a:u"))

	// Release 只生效一次
	require.NoError(t, lease.Release(context.Background()))

	lease, err = locker.Acquire(context.Background(), "lock:bid:a:u", policy)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
}

func TestLocker_SingleTry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	client, _, cleanupRedis := setupMiniredis(t)
	defer cleanupRedis()

	locker, err := NewLocker(client)
	require.NoError(t, err)

	policy := engine.LockPolicy{Expiry: 10 * time.Second, MaxTries: 1}
	lease, err := locker.Acquire(context.Background(), "lock:process:a", policy)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	start := time.Now()
	_, err = locker.Acquire(context.Background(), "lock:process:a", policy)
	assert.ErrorIs(t, err, engine.ErrLockNotAcquired)
	assert.Less(t, time.Since(start), time.Second)

	// 不同的鍵互不影響
	other, err := locker.Acquire(context.Background(), "lock:process:b", policy)
	require.NoError(t, err)
	require.NoError(t, other.Release(context.Background()))
}

func TestLocker_ReleaseAfterExpiry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	client, server, cleanupRedis := setupMiniredis(t)
	defer cleanupRedis()

	locker, err := NewLocker(client)
	require.NoError(t, err)

	lease, err := locker.Acquire(context.Background(), "lock:bid:a:u", engine.LockPolicy{Expiry: time.Second, MaxTries: 1})
	require.NoError(t, err)

	server.Del("lock:bid:a:u")
	assert.Error(t, lease.Release(context.Background()))
}
