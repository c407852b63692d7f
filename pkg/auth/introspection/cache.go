package introspection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Entry is a cached result and the instant it stops being usable.
type Entry struct {
	Result    Result    `json:"result"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the entry may still be served at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache stores introspection results keyed by token digest.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set stores entry. ttl mirrors entry.ExpiresAt for backends that expire
	// keys on their own.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Sweep drops every entry expired at now and returns how many went.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Purge(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// TokenKey derives the cache key of a raw token. Raw tokens are never used
// as keys so a dumped cache does not disclose live credentials.
func TokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]Entry{}}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry Entry, _ time.Duration) error {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Sweep(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !e.Valid(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

func (c *MemoryCache) Purge(_ context.Context) error {
	c.mu.Lock()
	c.entries = map[string]Entry{}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Len(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

// Close drops every entry.
func (c *MemoryCache) Close() error {
	return c.Purge(context.Background())
}

// KeyPrefix is the Redis key prefix of a realm's shared cache.
func KeyPrefix(realm string) string {
	return fmt.Sprintf("realmgate:introspect:%s:", realm)
}

// KeyPattern is the SCAN pattern matching every entry of realm.
func KeyPattern(realm string) string {
	return KeyPrefix(realm) + "*"
}

// RedisCache shares introspection results, active and inactive, between
// gateway instances. Redis expires entries itself, so Sweep has nothing to do.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, realm string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: KeyPrefix(realm)}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		// Unreadable entries are treated as misses and overwritten.
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, b, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}

func (c *RedisCache) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (c *RedisCache) Purge(ctx context.Context) error {
	return c.scan(ctx, func(keys []string) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n := 0
	err := c.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	return n, err
}

func (c *RedisCache) scan(ctx context.Context, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
