package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/safeharborhq/compliance-core/internal/lock"
)

// DeliveryWorker runs webhook deliveries under a per-delivery Redis
// lock, so overlapping queue redeliveries cannot send the same payload
// twice.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
}

// Handle delivers the webhook identified by the task payload.
func (w DeliveryWorker) Handle(ctx context.Context, payload []byte) error {
	if w.Dispatcher == nil {
		return errors.New("webhook worker: dispatcher not configured")
	}
	deliveryID := strings.TrimSpace(string(payload))
	if deliveryID == "" {
		return nil
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return w.Locker.WithLock(ctx, "lock:delivery:"+deliveryID, ttl, func(ctx context.Context) error {
		return w.Dispatcher.DeliverByID(ctx, deliveryID)
	})
}
