package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newLimiter(t *testing.T) (*TokenBucketLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTokenBucketLimiter(rdb), mr
}

func TestTokenBucketLimiter_Allow_Disabled(t *testing.T) {
	lim, _ := newLimiter(t)

	dec, err := lim.Allow(context.Background(), "authorize", "10.0.0.1", Bucket{})
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed when bucket disabled")
	}
}

func TestTokenBucketLimiter_Allow_BlocksAfterBurst(t *testing.T) {
	lim, _ := newLimiter(t)
	bucket := Bucket{RequestsPerMinute: 60, BurstSize: 1} // 1 token/sec, burst=1

	dec1, err := lim.Allow(context.Background(), "authorize", "10.0.0.1", bucket)
	if err != nil {
		t.Fatalf("allow 1: %v", err)
	}
	if !dec1.Allowed {
		t.Fatalf("expected first request to be allowed")
	}

	dec2, err := lim.Allow(context.Background(), "authorize", "10.0.0.1", bucket)
	if err != nil {
		t.Fatalf("allow 2: %v", err)
	}
	if dec2.Allowed {
		t.Fatalf("expected second request to be rate limited")
	}
	if dec2.RetryAfter <= 0 {
		t.Fatalf("expected retryAfter to be set")
	}

	decOther, err := lim.Allow(context.Background(), "authorize", "10.0.0.2", bucket)
	if err != nil {
		t.Fatalf("allow other: %v", err)
	}
	if !decOther.Allowed {
		t.Fatalf("expected other subject to be allowed (independent bucket)")
	}
}

func TestTokenBucketLimiter_Refills(t *testing.T) {
	base, _ := newLimiter(t)
	now := time.Unix(1_700_000_000, 0)
	lim := base.WithClock(func() time.Time { return now })
	bucket := Bucket{RequestsPerMinute: 60, BurstSize: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec, err := lim.Allow(ctx, "authorize", "client", bucket)
		if err != nil || !dec.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v (%v)", i, dec, err)
		}
	}
	if dec, _ := lim.Allow(ctx, "authorize", "client", bucket); dec.Allowed {
		t.Fatal("expected burst to be exhausted")
	}

	now = now.Add(1500 * time.Millisecond)
	if dec, _ := lim.Allow(ctx, "authorize", "client", bucket); !dec.Allowed {
		t.Fatal("expected a refilled token after 1.5s")
	}
}

func TestTokenBucketLimiter_KeysAreHashed(t *testing.T) {
	lim, mr := newLimiter(t)
	if _, err := lim.Allow(context.Background(), "authorize", "10.0.0.1", Bucket{RequestsPerMinute: 60, BurstSize: 5}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one bucket key, got %v", keys)
	}
	if !strings.HasPrefix(keys[0], "realmgate:rl:authorize:") || strings.Contains(keys[0], "10.0.0.1") {
		t.Fatalf("unexpected bucket key %q", keys[0])
	}
}

func TestComputeTTLMS(t *testing.T) {
	if got := computeTTLMS(0, 0); got != (2 * time.Minute).Milliseconds() {
		t.Fatalf("expected default ttl, got %d", got)
	}
	if got := computeTTLMS(100, 1); got != (30 * time.Second).Milliseconds() {
		t.Fatalf("expected min ttl, got %d", got)
	}
	if got := computeTTLMS(0.001, 1000); got != time.Hour.Milliseconds() {
		t.Fatalf("expected max ttl, got %d", got)
	}
}
