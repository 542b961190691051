package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "org:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:org:1"))

	_, err = locker.Acquire(ctx, "org:1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := locker.Acquire(ctx, "org:2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Refresh(ctx, 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL("test:org:1"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("test:org:1"))

	_, err = locker.Acquire(ctx, "org:1", time.Minute)
	require.NoError(t, err)
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "global", time.Minute)
	require.NoError(t, err)

	// Simulate expiry followed by another process taking the key
	require.NoError(t, mr.Set("test:global", "someone-else"))

	require.NoError(t, lock.Release(ctx))
	assert.True(t, mr.Exists("test:global"))
	assert.ErrorIs(t, lock.Refresh(ctx, time.Minute), ErrLockHeld)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "://bad")
	assert.Error(t, err)
}

func TestQueue_WaitsForForeignLock(t *testing.T) {
	locker, mr := setupLocker(t)
	cfg := testConfig(1)
	cfg.Retry = RetryConfig{MaxAttempts: 100, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}
	q := NewQueue(context.Background(), cfg, WithLocker(locker), WithLogger(observability.Discard()))
	defer q.Close(context.Background())

	require.NoError(t, mr.Set("test:org:9", "other-process"))

	var ran int32
	q.Register("locked", func(ctx context.Context, p Payload) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	h, err := q.Schedule(context.Background(), "locked", nil, "org:9")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	mr.Del("test:org:9")

	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.False(t, mr.Exists("test:org:9"))
}
