package notify

import (
	"context"
	"strings"
	"time"

	"github.com/safeharborhq/compliance-core/internal/queue"
)

const webhookDeliveryTask = "webhook-delivery"

// WebhookDeliveryTask is the queue kind consumed by the delivery worker.
func WebhookDeliveryTask() string {
	return webhookDeliveryTask
}

// EnqueueDelivery schedules a webhook delivery task. The delivery ID
// doubles as the idempotency key, so re-enqueueing the same delivery
// within the dedup window is a no-op.
func (d Dispatcher) EnqueueDelivery(ctx context.Context, deliveryID string, delay time.Duration, maxAttempts int) error {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" || d.Queue.R == nil {
		return nil
	}
	if maxAttempts <= 0 {
		if maxAttempts = d.DefaultMaxAttempts; maxAttempts <= 0 {
			maxAttempts = 6
		}
	}
	return d.Queue.Enqueue(ctx, queue.Task{
		Kind:           webhookDeliveryTask,
		Payload:        []byte(deliveryID),
		IdempotencyKey: deliveryID,
		MaxAttempts:    maxAttempts,
		Delay:          delay,
	})
}
