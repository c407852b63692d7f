package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

const introspectPath = "/realms/acme/protocol/openid-connect/token/introspect"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// introspectionServer answers with active=true and echoes a call counter in
// the "n" claim so tests can tell fresh results from cached ones.
func introspectionServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != introspectPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "gateway" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := hits.Add(1)
		token := r.PostForm.Get("token")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active":       token != "revoked",
			"sub":          "user-1",
			"username":     "alice",
			"client_id":    "gateway",
			"scope":        "openid orders:read",
			"n":            n,
			"realm_access": map[string]any{"roles": []string{"admin"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestIntrospector(t *testing.T, serverURL string, cacheEnabled bool, opts ...Option) *Introspector {
	t.Helper()
	i, err := New(Config{
		ServerURL:    serverURL,
		Realm:        "acme",
		ClientID:     "gateway",
		ClientSecret: "s3cret",
		CacheEnabled: cacheEnabled,
		CacheTTL:     60 * time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = i.Close() })
	return i
}

func TestIntrospectCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	i := newTestIntrospector(t, srv.URL, true, WithClock(clock.Now))
	ctx := context.Background()

	first, err := i.Introspect(ctx, "tok")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !first.Active() {
		t.Fatal("expected active result")
	}

	clock.Advance(30 * time.Second)
	if _, err := i.Introspect(ctx, "tok"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected 1 endpoint call within TTL, got %d", got)
	}

	clock.Advance(31 * time.Second)
	again, err := i.Introspect(ctx, "tok")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a second endpoint call after TTL, got %d", got)
	}
	if n, _ := again.Get("n"); n != float64(2) {
		t.Fatalf("expected the cached entry to be overwritten by call 2, got n=%v", n)
	}

	// The overwritten entry is served from cache again.
	if _, err := i.Introspect(ctx, "tok"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected overwritten entry to be cached, got %d calls", got)
	}
}

func TestIntrospectWithoutCache(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	i := newTestIntrospector(t, srv.URL, false)

	for n := 0; n < 3; n++ {
		if _, err := i.Introspect(context.Background(), "tok"); err != nil {
			t.Fatalf("Introspect: %v", err)
		}
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected every call to reach the endpoint, got %d", got)
	}
	if n, _ := i.CacheLen(context.Background()); n != 0 {
		t.Fatalf("expected empty cache, got %d", n)
	}
}

func TestIntrospectSweepsExpiredEntriesAfterInsert(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	i := newTestIntrospector(t, srv.URL, true, WithClock(clock.Now))
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c"} {
		if _, err := i.Introspect(ctx, tok); err != nil {
			t.Fatalf("Introspect(%s): %v", tok, err)
		}
	}
	if n, _ := i.CacheLen(ctx); n != 3 {
		t.Fatalf("expected 3 cached entries, got %d", n)
	}

	clock.Advance(2 * time.Minute)
	if _, err := i.Introspect(ctx, "d"); err != nil {
		t.Fatalf("Introspect(d): %v", err)
	}
	if n, _ := i.CacheLen(ctx); n != 1 {
		t.Fatalf("expected only the fresh entry after sweep, got %d", n)
	}
}

func TestIntrospectNon200IncludesBody(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	i, err := New(Config{ServerURL: srv.URL, Realm: "acme", ClientID: "gateway", ClientSecret: "wrong"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer i.Close()

	_, err = i.Introspect(context.Background(), "tok")
	var ioErr *auth.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid_client") || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status and body in error, got %q", err.Error())
	}
}

func TestIntrospectInactiveResult(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	i := newTestIntrospector(t, srv.URL, true)

	res, err := i.Introspect(context.Background(), "revoked")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if res.Active() {
		t.Fatal("expected inactive result")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	i := newTestIntrospector(t, srv.URL, true)

	if _, err := i.Introspect(context.Background(), "tok"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if err := i.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := i.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := i.Introspect(context.Background(), "tok"); err == nil {
		t.Fatal("expected introspect after close to fail")
	}
}

func TestResultIsImmutable(t *testing.T) {
	src := map[string]interface{}{"active": true, "sub": "x"}
	res := NewResult(src)
	src["sub"] = "changed"
	res.Claims()["sub"] = "changed"
	if res.String("sub") != "x" {
		t.Fatalf("result mutated through a copy: %q", res.String("sub"))
	}
}

func TestRedisCacheSharesResults(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	ctx := context.Background()

	first := newTestIntrospector(t, srv.URL, true, WithCache(NewRedisCache(rdb, "acme")))
	second := newTestIntrospector(t, srv.URL, true, WithCache(NewRedisCache(rdb, "acme")))

	if _, err := first.Introspect(ctx, "tok"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	res, err := second.Introspect(ctx, "tok")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected the second instance to hit the shared cache, got %d calls", got)
	}
	if res.String("username") != "alice" || !res.Active() {
		t.Fatalf("unexpected cached result %v", res.Claims())
	}

	key := KeyPrefix("acme") + TokenKey("tok")
	if !mr.Exists(key) {
		t.Fatalf("expected redis key %s", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 60*time.Second {
		t.Fatalf("expected redis ttl within cache window, got %v", ttl)
	}

	mr.FastForward(61 * time.Second)
	if _, err := second.Introspect(ctx, "tok"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a new call after redis expiry, got %d", got)
	}
}

func TestRedisCacheSharesInactiveResults(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	ctx := context.Background()

	first := newTestIntrospector(t, srv.URL, true, WithCache(NewRedisCache(rdb, "acme")))
	second := newTestIntrospector(t, srv.URL, true, WithCache(NewRedisCache(rdb, "acme")))

	if res, err := first.Introspect(ctx, "revoked"); err != nil || res.Active() {
		t.Fatalf("expected an inactive result, got %v (%v)", res.Claims(), err)
	}
	res, err := second.Introspect(ctx, "revoked")
	if err != nil || res.Active() {
		t.Fatalf("expected the cached inactive result, got %v (%v)", res.Claims(), err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected the inactive verdict to be shared, got %d calls", got)
	}
}

func TestRedisCachePurgeAndLen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	acme := NewRedisCache(rdb, "acme")
	other := NewRedisCache(rdb, "other")
	entry := Entry{Result: NewResult(map[string]interface{}{"active": true}), ExpiresAt: time.Now().Add(time.Minute)}

	for _, k := range []string{"a", "b"} {
		if err := acme.Set(ctx, k, entry, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := other.Set(ctx, "c", entry, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if n, err := acme.Len(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 acme entries, got %d (%v)", n, err)
	}
	if err := acme.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n, _ := acme.Len(ctx); n != 0 {
		t.Fatalf("expected empty acme cache after purge, got %d", n)
	}
	if n, _ := other.Len(ctx); n != 1 {
		t.Fatalf("purge leaked into another realm, got %d", n)
	}
}

func TestTokenKeyDoesNotExposeToken(t *testing.T) {
	key := TokenKey("secret-token")
	if strings.Contains(key, "secret") || len(key) != 64 {
		t.Fatalf("unexpected cache key %q", key)
	}
	if key != TokenKey("secret-token") {
		t.Fatal("expected stable cache key")
	}
}

func TestIntrospectionValidator(t *testing.T) {
	var hits atomic.Int32
	srv := introspectionServer(t, &hits)
	raw, _ := json.Marshal(map[string]any{
		"serverUrl":    srv.URL,
		"realm":        "acme",
		"clientId":     "gateway",
		"clientSecret": "s3cret",
	})
	v, err := auth.NewValidator(auth.ProviderConfig{Type: "introspection", Config: raw})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	claims, err := v.Validate(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Username != "alice" || !claims.HasRole("admin") || !claims.HasPermission("orders:read") {
		t.Fatalf("unexpected claims %+v", claims)
	}

	_, err = v.Validate(context.Background(), "revoked")
	var ve *auth.VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected verification error for inactive token, got %v", err)
	}
}
