// Package introspection validates tokens against an RFC 7662 introspection
// endpoint and caches the results for a bounded time.
package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/realmgate/internal/metrics"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

const (
	DefaultCacheTTL    = 60 * time.Second
	defaultHTTPTimeout = 5 * time.Second
	maxErrorBody       = 4 << 10
)

// Config locates the endpoint and sets the cache policy.
type Config struct {
	ServerURL    string
	Realm        string
	ClientID     string
	ClientSecret string
	CacheEnabled bool
	CacheTTL     time.Duration
}

// Option configures an Introspector.
type Option func(*Introspector)

// WithHTTPClient sets the client used to call the introspection endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Introspector) {
		if c != nil {
			i.client = c
		}
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(i *Introspector) {
		if now != nil {
			i.now = now
		}
	}
}

// WithCache replaces the default MemoryCache.
func WithCache(c Cache) Option {
	return func(i *Introspector) {
		if c != nil {
			i.cache = c
		}
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(l *slog.Logger) Option {
	return func(i *Introspector) {
		if l != nil {
			i.logger = l
		}
	}
}

// Introspector calls the realm's introspection endpoint.
type Introspector struct {
	endpoint     string
	realm        string
	clientID     string
	clientSecret string
	cacheEnabled bool
	ttl          time.Duration

	client *http.Client
	cache  Cache
	now    func() time.Time
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Endpoint returns the introspection URL of realm on serverURL.
func Endpoint(serverURL, realm string) string {
	return strings.TrimRight(serverURL, "/") + "/realms/" + url.PathEscape(realm) + "/protocol/openid-connect/token/introspect"
}

// New returns an Introspector for the realm in cfg. With caching enabled and
// no WithCache option, results are kept in a MemoryCache.
func New(cfg Config, opts ...Option) (*Introspector, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.Realm) == "" {
		return nil, errors.New("introspection: serverURL and realm are required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("introspection: clientID is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	i := &Introspector{
		endpoint:     Endpoint(cfg.ServerURL, cfg.Realm),
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		cacheEnabled: cfg.CacheEnabled,
		ttl:          ttl,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.cache == nil {
		i.cache = NewMemoryCache()
	}
	i.logger = i.logger.With("component", "introspection", "realm", cfg.Realm)
	return i, nil
}

// Introspect returns the endpoint's verdict on token. A cached, unexpired
// result is returned without a network call.
func (i *Introspector) Introspect(ctx context.Context, token string) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{}, &auth.VerificationError{Reason: "empty token"}
	}
	i.mu.RLock()
	closed := i.closed
	i.mu.RUnlock()
	if closed {
		return Result{}, &auth.IOError{Op: "introspect", Err: errors.New("introspector closed")}
	}

	key := TokenKey(token)
	if i.cacheEnabled {
		if res, ok := i.lookup(ctx, key); ok {
			return res, nil
		}
	}

	res, err := i.call(ctx, token)
	if err != nil {
		return Result{}, err
	}

	if i.cacheEnabled {
		now := i.now()
		if err := i.cache.Set(ctx, key, Entry{Result: res, ExpiresAt: now.Add(i.ttl)}, i.ttl); err != nil {
			i.logger.Warn("introspection cache store failed", "err", err)
			return res, nil
		}
		if n, err := i.cache.Sweep(ctx, now); err != nil {
			i.logger.Warn("introspection cache sweep failed", "err", err)
		} else if n > 0 {
			i.logger.Debug("swept expired introspection entries", "count", n)
		}
	}
	return res, nil
}

func (i *Introspector) lookup(ctx context.Context, key string) (Result, bool) {
	entry, ok, err := i.cache.Get(ctx, key)
	if err != nil {
		i.logger.Warn("introspection cache lookup failed", "err", err)
		return Result{}, false
	}
	if !ok {
		metrics.IntrospectionCacheTotal.WithLabelValues(i.realm, "miss").Inc()
		return Result{}, false
	}
	if !entry.Valid(i.now()) {
		metrics.IntrospectionCacheTotal.WithLabelValues(i.realm, "expired").Inc()
		if err := i.cache.Delete(ctx, key); err != nil {
			i.logger.Warn("introspection cache evict failed", "err", err)
		}
		return Result{}, false
	}
	metrics.IntrospectionCacheTotal.WithLabelValues(i.realm, "hit").Inc()
	return entry.Result, true
}

func (i *Introspector) call(ctx context.Context, token string) (Result, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, &auth.IOError{Op: "introspect request", Err: err}
	}
	req.SetBasicAuth(i.clientID, i.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := i.client.Do(req)
	metrics.IntrospectionLatencySeconds.WithLabelValues(i.realm).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IntrospectionRequestsTotal.WithLabelValues(i.realm, "error").Inc()
		return Result{}, &auth.IOError{Op: "introspect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.IntrospectionRequestsTotal.WithLabelValues(i.realm, "error").Inc()
		return Result{}, &auth.IOError{
			Op:  "introspect",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		metrics.IntrospectionRequestsTotal.WithLabelValues(i.realm, "error").Inc()
		return Result{}, &auth.IOError{Op: "introspect decode", Err: err}
	}
	metrics.IntrospectionRequestsTotal.WithLabelValues(i.realm, "ok").Inc()
	return NewResult(claims), nil
}

// Purge empties the cache.
func (i *Introspector) Purge(ctx context.Context) error {
	return i.cache.Purge(ctx)
}

// CacheLen reports the number of cached entries.
func (i *Introspector) CacheLen(ctx context.Context) (int, error) {
	return i.cache.Len(ctx)
}

// CacheEnabled reports whether results are cached.
func (i *Introspector) CacheEnabled() bool { return i.cacheEnabled }

// Close releases idle HTTP connections and, for caches that own their
// storage, the cache. Further calls do nothing.
func (i *Introspector) Close() error {
	var err error
	i.closeOnce.Do(func() {
		i.mu.Lock()
		i.closed = true
		i.mu.Unlock()
		i.client.CloseIdleConnections()
		if c, ok := i.cache.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
