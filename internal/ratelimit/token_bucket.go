package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "realmgate:rl"

// Bucket is a per-subject token bucket. A zero bucket is disabled.
type Bucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute" json:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize" json:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error)
}

// TokenBucketLimiter keeps bucket state in Redis so every gateway instance
// draws from the same budget.
type TokenBucketLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewTokenBucketLimiter(rdb *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{rdb: rdb, now: time.Now}
}

// WithClock returns a copy of l reading time from now.
func (l *TokenBucketLimiter) WithClock(now func() time.Time) *TokenBucketLimiter {
	cp := *l
	cp.now = now
	return &cp
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1]) -- tokens/sec
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3]) -- ms
local ttl_ms = tonumber(ARGV[4])

local tokens = tonumber(redis.call("HGET", key, "tokens"))
local ts = tonumber(redis.call("HGET", key, "ts"))

if not tokens then tokens = capacity end
if not ts then ts = now end
if now < ts then ts = now end

local refill = (now - ts) * (rate / 1000.0)
tokens = math.min(capacity, tokens + refill)

local allowed = 0
local retry_after_s = 0
if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1.0
elseif rate > 0 then
  retry_after_s = math.ceil((1.0 - tokens) / rate)
  if retry_after_s < 1 then retry_after_s = 1 end
else
  retry_after_s = 60
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, retry_after_s, math.floor(tokens)}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	key := bucketKey(scope, subject)

	ratePerSec := float64(bucket.RequestsPerMinute) / 60.0
	capacity := float64(bucket.BurstSize)
	nowMS := l.now().UTC().UnixMilli()

	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{key}, ratePerSec, capacity, nowMS, computeTTLMS(ratePerSec, capacity)).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Decision{}, fmt.Errorf("unexpected redis ratelimit response: %T", res)
	}

	allowed, _ := vals[0].(int64)
	retryAfterS, _ := vals[1].(int64)
	remaining, _ := vals[2].(int64)
	if allowed == 1 {
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}
	if retryAfterS <= 0 {
		retryAfterS = 1
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(retryAfterS) * time.Second}, nil
}

// Subjects are hashed so client addresses and tokens never appear in keys.
func bucketKey(scope, subject string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "unknown"
	}
	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, hex.EncodeToString(sum[:]))
}

// computeTTLMS keeps idle bucket state for about two refill cycles.
func computeTTLMS(ratePerSec float64, capacity float64) int64 {
	const minTTL = 30 * time.Second
	const maxTTL = 1 * time.Hour

	if ratePerSec <= 0 || capacity <= 0 {
		return int64((2 * time.Minute).Milliseconds())
	}
	ttl := time.Duration(math.Ceil(capacity/ratePerSec*2.0))*time.Second + 5*time.Second
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl.Milliseconds()
}
