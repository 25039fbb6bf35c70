package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Drainer moves exhausted tasks from the Redis dead-letter lists into the
// queue_dlq table, where the admin API can inspect and replay them. Workers
// push to Redis on final failure because that path must never block on
// Postgres; the drainer does the durable write out of band.
type Drainer struct {
	R      *redis.Client
	Prefix string
	Store  Store
	Kinds  []string
	Batch  int
	Logger *zerolog.Logger
}

// DrainOnce pops up to Batch entries per kind and persists them. It returns
// the number of entries drained.
func (d Drainer) DrainOnce(ctx context.Context) (int, error) {
	if d.R == nil || d.Store == nil {
		return 0, errors.New("queue: drainer dependencies not configured")
	}
	batch := d.Batch
	if batch <= 0 {
		batch = 100
	}
	ks := keys{prefix: d.Prefix}
	drained := 0
	for _, kind := range d.Kinds {
		kind = sanitizeKind(kind)
		if kind == "" {
			continue
		}
		dlqKey := ks.dlq(kind)
		for i := 0; i < batch; i++ {
			raw, err := d.R.RPop(ctx, dlqKey).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return drained, err
			}
			msg, err := decodeMessage(raw)
			if err != nil {
				d.logError(err, kind, "discard undecodable dlq entry")
				continue
			}
			lastError := "max attempts exhausted"
			entry := DLQEntry{
				Kind:           msg.Kind,
				IdempotencyKey: msg.Key,
				Payload:        []byte(raw),
				Attempts:       msg.Attempt,
				LastError:      &lastError,
			}
			if _, err := d.Store.InsertQueueDlq(ctx, entry); err != nil {
				// Put it back so the entry is not lost; retry next cycle.
				_ = d.R.RPush(ctx, dlqKey, raw).Err()
				return drained, err
			}
			drained++
			if QueueDLQSize != nil {
				QueueDLQSize.WithLabelValues(queueLabel(msg.Kind)).Inc()
			}
		}
	}
	return drained, nil
}

// Run drains on the given interval until the context is cancelled.
func (d Drainer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logError(err, "", "drain dlq")
			}
		}
	}
}

func (d Drainer) logError(err error, kind, msg string) {
	if d.Logger == nil {
		return
	}
	event := d.Logger.Error().Err(err)
	if kind != "" {
		event = event.Str("kind", kind)
	}
	event.Msg(msg)
}
