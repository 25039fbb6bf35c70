package queue_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/safeharborhq/compliance-core/internal/queue"
)

// Exhausted tasks land on the Redis dead-letter list; the drainer then
// persists them so the admin API can replay them later.
func TestExhaustedTaskDrainsToDLQ(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              "run-calculation",
		Concurrency:       1,
		VisibilityTimeout: 120 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("calculation backend down")
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	enq := queue.Enqueuer{R: client, Prefix: "dlq"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{
		Kind:           "run-calculation",
		Payload:        []byte(`{"run_id":"r1"}`),
		IdempotencyKey: "dlq1",
		MaxAttempts:    2,
	}))

	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "dlq:run-calculation:dlq").Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond, "task never reached the dead-letter list")

	cancel()
	<-done

	store := newMemoryStore()
	log := zerolog.New(io.Discard)
	drainer := queue.Drainer{
		R:      client,
		Prefix: "dlq",
		Store:  store,
		Kinds:  []string{"run-calculation"},
		Logger: &log,
	}
	drained, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, drained)

	count, err := store.CountQueueDlq(context.Background(), "run-calculation")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	for _, entry := range store.snapshot() {
		require.Equal(t, "run-calculation", entry.Kind)
		require.Equal(t, "dlq1", entry.IdempotencyKey)
		require.Equal(t, 2, entry.Attempts)
		require.NotEmpty(t, entry.Payload)
		require.NotNil(t, entry.LastError)
	}

	remaining, err := client.LLen(context.Background(), "dlq:run-calculation:dlq").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)
}
