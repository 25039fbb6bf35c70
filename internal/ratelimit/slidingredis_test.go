package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Limiter{Client: client, Prefix: "rl:test:"}
}

func TestLimiterSlidingWindow(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	window := 2 * time.Second
	const max = 2

	for i := 0; i < max; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "org-a", window, max)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d denied inside the limit", i)
		}
		if remaining != max-(i+1) {
			t.Fatalf("remaining after request %d = %d", i, remaining)
		}
	}

	allowed, remaining, _, err := limiter.Allow(ctx, "org-a", window, max)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed || remaining != 0 {
		t.Fatalf("over-limit request: allowed=%v remaining=%d", allowed, remaining)
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	limiter := Limiter{Client: client, Prefix: "rl:test:"}

	ctx := context.Background()
	window := time.Second
	if allowed, _, _, _ := limiter.Allow(ctx, "org-b", window, 1); !allowed {
		t.Fatal("first request denied")
	}
	if allowed, _, _, _ := limiter.Allow(ctx, "org-b", window, 1); allowed {
		t.Fatal("second request inside the window allowed")
	}

	mr.FastForward(window)
	if allowed, _, _, _ := limiter.Allow(ctx, "org-b", window, 1); !allowed {
		t.Fatal("request after window expiry denied")
	}
}

func TestLimiterDisabledWithoutClient(t *testing.T) {
	allowed, _, _, err := Limiter{}.Allow(context.Background(), "any", time.Second, 1)
	if err != nil || !allowed {
		t.Fatalf("nil client must fail open: allowed=%v err=%v", allowed, err)
	}
}
