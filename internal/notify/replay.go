package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisReplayProtector guards webhook deliveries against double-send
// with a SETNX claim per delivery key. A nil client disables the guard,
// which single-process deployments can live with.
type RedisReplayProtector struct {
	Client *redis.Client
}

// Acquire claims the delivery key for ttl. It returns false when another
// sender already holds the claim.
func (r RedisReplayProtector) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, key, "1", ttl).Result()
}

// Release drops the claim so a failed delivery can be retried promptly.
func (r RedisReplayProtector) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, key).Err()
}
