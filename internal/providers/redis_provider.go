package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/realmgate/internal/tracing"
)

func NewRedisProvider(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// ConnectRedis builds a client and checks it answers PING within timeout.
// The client is closed when the check fails.
func ConnectRedis(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	rdb := NewRedisProvider(addr, password, db)
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return rdb, nil
}

// NewIdPClient returns the HTTP client used for certs and introspection
// calls. Requests are traced and bounded by timeout.
func NewIdPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tracing.Transport(http.DefaultTransport.(*http.Transport).Clone()),
	}
}
