package queue

import (
	"context"

	"github.com/google/uuid"
)

// RunScheduler enqueues calculation run work. It satisfies the scheduler
// interface the run service depends on, keeping the service itself free of
// queue details.
type RunScheduler struct {
	Enqueuer Enqueuer

	// MaxAttempts bounds retries for the enqueued task; zero uses the
	// queue default.
	MaxAttempts int
}

// ScheduleRun queues a full sync-and-calculate pass for the run. The run ID
// doubles as the idempotency key so a double submit collapses to one task.
func (s RunScheduler) ScheduleRun(ctx context.Context, runID uuid.UUID) error {
	return s.Enqueuer.Enqueue(ctx, Task{
		Kind:           KindRunSync,
		Payload:        []byte(runID.String()),
		IdempotencyKey: "run:" + runID.String(),
		MaxAttempts:    s.MaxAttempts,
	})
}

// ScheduleChainVerification queues a hash chain verification for the
// organization's vault.
func (s RunScheduler) ScheduleChainVerification(ctx context.Context, orgID uuid.UUID) error {
	return s.Enqueuer.Enqueue(ctx, Task{
		Kind:           KindChainVerification,
		Payload:        []byte(orgID.String()),
		IdempotencyKey: "chain:" + orgID.String(),
		MaxAttempts:    s.MaxAttempts,
	})
}
