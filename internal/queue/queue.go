package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safeharborhq/compliance-core/internal/resilience"
)

// Task is one unit of background work: a run sync, a calculation batch, a
// chain verification. Attempt is normally zero; DLQ replays carry the
// prior attempt count forward so a replayed task does not get a fresh
// retry budget.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Attempt        int
	Delay          time.Duration
}

// taskMessage is the wire form stored in Redis.
type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

// keys derives the Redis key layout for one queue namespace. Ready tasks
// live in a sorted set scored by availability time; in-flight tasks move
// to a processing set scored by their visibility deadline.
type keys struct {
	prefix string
}

func (k keys) queue(kind string) string {
	if k.prefix == "" {
		return "queue:" + kind
	}
	return k.prefix + ":queue:" + kind
}

func (k keys) processing(kind string) string {
	if k.prefix == "" {
		return "queue:" + kind + ":processing"
	}
	return k.prefix + ":" + kind + ":processing"
}

func (k keys) dlq(kind string) string {
	if k.prefix == "" {
		return "queue:" + kind + ":dlq"
	}
	return k.prefix + ":" + kind + ":dlq"
}

func (k keys) dedup(kind, key string) string {
	if k.prefix == "" {
		return "queue:dedup:" + kind + ":" + key
	}
	return k.prefix + ":dedup:" + kind + ":" + key
}

// sanitizeKind rejects kinds outside [a-z0-9:_-] so task kinds cannot
// smuggle key separators into the Redis keyspace.
func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':':
		default:
			return ""
		}
	}
	return kind
}

// Enqueuer publishes tasks. An idempotency key makes the enqueue
// at-most-once within the dedup window, which is how a scheduler retry
// avoids double-triggering the same run.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
}

// Enqueue schedules the task, honoring its delay.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}

	ks := keys{prefix: e.Prefix}
	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.R.SetNX(ctx, ks.dedup(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			// Duplicate within the window; the earlier enqueue wins.
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, ks.queue(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

// Worker consumes one task kind with bounded concurrency. In-flight tasks
// sit in a processing set with a visibility deadline; a crashed worker's
// tasks are requeued once the deadline lapses.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
}

// Run consumes tasks until the context is cancelled, waiting for in-flight
// handlers to finish before returning.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	ks := keys{prefix: w.Prefix}
	queueKey := ks.queue(kind)
	processingKey := ks.processing(kind)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, ks, kind); err != nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// Popped a task that is not due yet. Push it back and nap until
			// it (or something earlier) becomes ready.
			w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
			sleep := time.Duration(msg.AvailableAt - now)
			if sleep > time.Second {
				sleep = time.Second
			}
			time.Sleep(sleep)
			continue
		}

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processingKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			if err := w.Handler(jobCtx, Task{Kind: kind, Payload: m.Payload, IdempotencyKey: m.Key}); err != nil {
				w.handleFailure(jobCtx, ks, raw, m, retryBase)
				return
			}
			w.ack(jobCtx, ks, raw, m)
		}(raw, msg)
	}
}

func (w Worker) ack(ctx context.Context, ks keys, raw string, msg taskMessage) {
	if raw != "" {
		_ = w.R.ZRem(ctx, ks.processing(msg.Kind), raw)
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, ks.dedup(msg.Kind, msg.Key)).Err()
	}
	QueueProcessedTotal.WithLabelValues(queueLabel(msg.Kind), "ok").Inc()
}

func (w Worker) handleFailure(ctx context.Context, ks keys, raw string, msg taskMessage, base time.Duration) {
	if raw != "" {
		_ = w.R.ZRem(ctx, ks.processing(msg.Kind), raw)
	}
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_ = w.R.LPush(ctx, ks.dlq(msg.Kind), rawBytes).Err()
		if msg.Key != "" {
			_ = w.R.Del(ctx, ks.dedup(msg.Kind, msg.Key)).Err()
		}
		QueueProcessedTotal.WithLabelValues(queueLabel(msg.Kind), "dlq").Inc()
		return
	}

	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, ks.queue(msg.Kind), redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
	QueueProcessedTotal.WithLabelValues(queueLabel(msg.Kind), "retry").Inc()
}

// requeueExpired moves tasks whose visibility deadline passed back onto
// the ready queue.
func (w Worker) requeueExpired(ctx context.Context, ks keys, kind string) error {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, ks.processing(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		_ = w.R.ZRem(ctx, ks.processing(kind), raw).Err()
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, ks.queue(kind), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}
