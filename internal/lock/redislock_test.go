package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/safeharborhq/compliance-core/internal/lock"
)

func newLockRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestWithLockSerializesHolders(t *testing.T) {
	client := newLockRedis(t)
	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var mu sync.Mutex
	var order []string
	firstHeld := make(chan struct{})
	releaseFirst := make(chan struct{})

	go func() {
		err := locker.WithLock(ctx, "lock:ledger:org-1", 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstHeld)
			<-releaseFirst
			return nil
		})
		require.NoError(t, err)
	}()

	<-firstHeld

	go func() {
		err := locker.WithLock(ctx, "lock:ledger:org-1", 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}()

	close(releaseFirst)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockMaxRetries(t *testing.T) {
	client := newLockRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Another process holds the lock for longer than we are willing to wait.
	require.NoError(t, client.SetNX(ctx, "lock:ledger:org-2", "holder", time.Minute).Err())

	locker := lock.Locker{R: client, RetryBackoff: time.Millisecond, MaxRetries: 3}
	err := locker.WithLock(ctx, "lock:ledger:org-2", time.Minute, func(context.Context) error { return nil })
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}
