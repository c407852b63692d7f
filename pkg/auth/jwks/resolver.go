// Package jwks resolves realm signing keys from an OpenID Connect certs
// endpoint and verifies bearer tokens against them.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/realmgate/internal/metrics"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long a fetched key set is trusted before the next
// lookup refreshes it.
const DefaultTTL = 300 * time.Second

// DefaultRetryAfter is how long a failed refresh is remembered. Lookups in
// that window get the same error without another fetch.
const DefaultRetryAfter = 5 * time.Second

const defaultHTTPTimeout = 5 * time.Second

var errEmptyKeySet = errors.New("no usable RSA signing keys in key set")

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used to fetch the certs endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRetryAfter overrides DefaultRetryAfter. Zero disables the window.
func WithRetryAfter(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.retryAfter = d
		}
	}
}

// WithLogger sets the logger used for skipped keys and refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStrictKeyID disables the first-key fallback: a token whose kid is
// missing or unknown after a refresh is rejected.
func WithStrictKeyID() Option {
	return func(r *Resolver) { r.strict = true }
}

// WithCertsURL points the resolver at an explicit JWKS document instead of
// the realm's certs endpoint.
func WithCertsURL(u string) Option {
	return func(r *Resolver) {
		if strings.TrimSpace(u) != "" {
			r.certsURL = strings.TrimSpace(u)
		}
	}
}

// Resolver caches the RSA signing keys of one realm. Refresh is pull based:
// PublicKey refreshes inline when the cache is empty or older than the TTL.
type Resolver struct {
	certsURL string
	realm    string
	client   *http.Client
	now      func() time.Time
	ttl        time.Duration
	retryAfter time.Duration
	strict     bool
	logger     *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	order       []string // document order of keys
	lastRefresh time.Time
	refreshes   int64
	lastFailure time.Time
	failure     error
}

// Stats is a point-in-time view of the key cache.
type Stats struct {
	Realm       string    `json:"realm"`
	CertsURL    string    `json:"certsUrl"`
	KeyIDs      []string  `json:"keyIds"`
	LastRefresh time.Time `json:"lastRefresh"`
	Refreshes   int64     `json:"refreshes"`
	Strict      bool      `json:"strictKeyId"`
}

// CertsURL returns the JWKS endpoint of realm on serverURL.
func CertsURL(serverURL, realm string) string {
	return strings.TrimRight(serverURL, "/") + "/realms/" + url.PathEscape(realm) + "/protocol/openid-connect/certs"
}

// NewResolver returns a Resolver for the certs endpoint of realm. No fetch
// happens until the first lookup.
func NewResolver(serverURL, realm string, opts ...Option) *Resolver {
	r := &Resolver{
		certsURL:   CertsURL(serverURL, realm),
		realm:      realm,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		now:        time.Now,
		ttl:        DefaultTTL,
		retryAfter: DefaultRetryAfter,
		logger:     slog.Default(),
		keys:       map[string]*rsa.PublicKey{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "jwks", "realm", realm)
	return r
}

// PublicKey returns the key for kid, refreshing first when the cache is
// stale. An empty or unknown kid falls back to the first key of the last
// fetched document unless the resolver is strict.
func (r *Resolver) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if r.stale() {
		if err := r.recentFailure(); err != nil {
			return nil, err
		}
		if err := r.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if kid != "" {
		if k, ok := r.keys[kid]; ok {
			return k, nil
		}
	}
	if len(r.order) == 0 {
		return nil, &auth.IOError{Op: "jwks key lookup", Err: errors.New("no signing keys available")}
	}
	if r.strict {
		if kid == "" {
			return nil, &auth.VerificationError{Reason: "missing key id"}
		}
		return nil, &auth.VerificationError{Reason: fmt.Sprintf("unknown key id %q", kid)}
	}
	if kid != "" {
		r.logger.Debug("kid not found, using first cached key", "kid", kid, "fallback", r.order[0])
	}
	return r.keys[r.order[0]], nil
}

func (r *Resolver) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys) == 0 || r.now().Sub(r.lastRefresh) > r.ttl
}

// recentFailure returns the error of a refresh that failed less than
// retryAfter ago.
func (r *Resolver) recentFailure() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure == nil || r.retryAfter <= 0 || r.now().Sub(r.lastFailure) >= r.retryAfter {
		return nil
	}
	return r.failure
}

// Refresh fetches the certs endpoint and replaces the cached key set.
// Concurrent callers share a single fetch. The fetch is detached from the
// caller that started it: a cancelled caller returns early while the others
// keep waiting for the result. An empty result is an error and leaves the
// cache empty.
func (r *Resolver) Refresh(ctx context.Context) error {
	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout())
		defer cancel()
		return nil, r.refresh(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return &auth.IOError{Op: "jwks refresh", Err: ctx.Err()}
	}
}

func (r *Resolver) fetchTimeout() time.Duration {
	if r.client.Timeout > 0 {
		return r.client.Timeout
	}
	return defaultHTTPTimeout
}

func (r *Resolver) refresh(ctx context.Context) error {
	keys, order, err := r.fetch(ctx)
	if err != nil {
		metrics.JWKSRefreshTotal.WithLabelValues(r.realm, "error").Inc()
		r.logger.Warn("jwks refresh failed", "url", r.certsURL, "err", err)
		if errors.Is(err, errEmptyKeySet) {
			r.replace(nil, nil)
		}
		r.mu.Lock()
		r.failure = err
		r.lastFailure = r.now()
		r.mu.Unlock()
		return err
	}
	r.replace(keys, order)
	metrics.JWKSRefreshTotal.WithLabelValues(r.realm, "ok").Inc()
	r.logger.Debug("jwks refreshed", "keys", len(order))
	return nil
}

func (r *Resolver) replace(keys map[string]*rsa.PublicKey, order []string) {
	if keys == nil {
		keys = map[string]*rsa.PublicKey{}
	}
	r.mu.Lock()
	r.keys = keys
	r.order = order
	if len(order) > 0 {
		r.lastRefresh = r.now()
		r.refreshes++
		r.failure = nil
	}
	r.mu.Unlock()
	metrics.JWKSKeys.WithLabelValues(r.realm).Set(float64(len(order)))
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (r *Resolver) fetch(ctx context.Context) (map[string]*rsa.PublicKey, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.certsURL, nil)
	if err != nil {
		return nil, nil, &auth.IOError{Op: "jwks request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, &auth.IOError{Op: "jwks fetch", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &auth.IOError{Op: "jwks read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &auth.IOError{Op: "jwks fetch", Err: fmt.Errorf("status %d from %s", resp.StatusCode, r.certsURL)}
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, &auth.IOError{Op: "jwks decode", Err: err}
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	order := make([]string, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if strings.TrimSpace(k.Kid) == "" || k.N == "" || k.E == "" {
			r.skip(k, "incomplete")
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			r.skip(k, "invalid")
			continue
		}
		if _, dup := keys[k.Kid]; !dup {
			order = append(order, k.Kid)
		}
		keys[k.Kid] = pub
	}
	if len(order) == 0 {
		return nil, nil, &auth.IOError{Op: "jwks refresh", Err: errEmptyKeySet}
	}
	return keys, order, nil
}

func (r *Resolver) skip(k jsonWebKey, reason string) {
	metrics.JWKSKeysSkippedTotal.WithLabelValues(r.realm, reason).Inc()
	r.logger.Warn("skipping jwks entry", "kid", k.Kid, "reason", reason)
}

// KeyIDs returns the cached key ids in document order.
func (r *Resolver) KeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Stats returns a snapshot of the cache.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Realm:       r.realm,
		CertsURL:    r.certsURL,
		KeyIDs:      append([]string(nil), r.order...),
		LastRefresh: r.lastRefresh,
		Refreshes:   r.refreshes,
		Strict:      r.strict,
	}
}

// CloseIdleConnections releases pooled connections of the HTTP client.
func (r *Resolver) CloseIdleConnections() {
	r.client.CloseIdleConnections()
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(nStr, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(eStr, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || e.BitLen() > 31 || e.Int64() <= 1 {
		return nil, errors.New("invalid rsa key material")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
