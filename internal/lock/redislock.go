package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock stays contended past
// MaxRetries attempts.
var ErrNotAcquired = errors.New("lock: not acquired")

// releaseScript deletes the lock only when the caller still owns it, so
// a lock that expired and was re-acquired elsewhere is never released
// by the previous holder.
var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// Locker is a Redis-backed mutual exclusion primitive. The vault uses
// it to serialize per-organization ledger appends, the webhook worker
// to serialize deliveries.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	// MaxRetries bounds acquisition attempts. Zero retries until the
	// context is cancelled.
	MaxRetries int
}

// WithLock runs fn while holding the lock named by key. The lock is
// released on return regardless of fn's outcome; if the TTL lapses
// first, Redis expires it on its own.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	token := uuid.NewString()

	for attempts := 0; ; {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			// Release with a fresh context so a cancelled fn still
			// unlocks promptly.
			defer l.release(context.Background(), key, token)
			return fn(ctx)
		}
		attempts++
		if l.MaxRetries > 0 && attempts >= l.MaxRetries {
			return ErrNotAcquired
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := releaseScript.Run(ctx, l.R, []string{key}, token).Err(); err != nil {
		// Redis builds without scripting: fall back to a plain delete.
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
