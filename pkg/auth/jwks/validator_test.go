package jwks

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

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

// certsServer serves a swappable JWKS document under the realm certs path
// and counts fetches.
type certsServer struct {
	*httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	keys   []map[string]any
	status int
}

func newCertsServer(t *testing.T, keys ...map[string]any) *certsServer {
	t.Helper()
	cs := &certsServer{keys: keys, status: http.StatusOK}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/acme/protocol/openid-connect/certs" {
			http.NotFound(w, r)
			return
		}
		cs.hits.Add(1)
		cs.mu.Lock()
		status, keys := cs.status, cs.keys
		cs.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *certsServer) setKeys(keys ...map[string]any) {
	cs.mu.Lock()
	cs.keys = keys
	cs.mu.Unlock()
}

func (cs *certsServer) setStatus(status int) {
	cs.mu.Lock()
	cs.status = status
	cs.mu.Unlock()
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return k
}

func jwk(kid string, key *rsa.PrivateKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}),
	}
}

func TestResolverRefreshesOncePerTTL(t *testing.T) {
	srv := newCertsServer(t, jwk("k1", newKey(t)))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewResolver(srv.URL, "acme", WithClock(clock.Now))
	ctx := context.Background()

	if _, err := r.PublicKey(ctx, "k1"); err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected 1 fetch after first lookup, got %d", got)
	}

	clock.Advance(DefaultTTL - time.Second)
	if _, err := r.PublicKey(ctx, "k1"); err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected no refetch within TTL, got %d fetches", got)
	}

	clock.Advance(2 * time.Second)
	if _, err := r.PublicKey(ctx, "k1"); err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Fatalf("expected exactly one refetch after TTL, got %d fetches", got)
	}
}

func TestResolverReplacesKeySet(t *testing.T) {
	srv := newCertsServer(t, jwk("A", newKey(t)), jwk("B", newKey(t)))
	r := NewResolver(srv.URL, "acme")
	ctx := context.Background()

	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := r.KeyIDs(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B], got %v", got)
	}

	srv.setKeys(jwk("C", newKey(t)))
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := r.KeyIDs(); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("expected key set to be replaced with [C], got %v", got)
	}
}

func TestResolverSkipsMalformedKeys(t *testing.T) {
	good := jwk("good", newKey(t))
	missingN := jwk("bad", newKey(t))
	delete(missingN, "n")
	encryption := jwk("enc", newKey(t))
	encryption["use"] = "enc"
	ec := map[string]any{"kty": "EC", "kid": "ec", "crv": "P-256", "x": "AA", "y": "AA"}

	srv := newCertsServer(t, missingN, ec, encryption, good)
	r := NewResolver(srv.URL, "acme")

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := r.KeyIDs(); !reflect.DeepEqual(got, []string{"good"}) {
		t.Fatalf("expected only the well-formed signing key, got %v", got)
	}
}

func TestResolverFallsBackToFirstKey(t *testing.T) {
	first, second := newKey(t), newKey(t)
	srv := newCertsServer(t, jwk("k1", first), jwk("k2", second))
	r := NewResolver(srv.URL, "acme")
	ctx := context.Background()

	for _, kid := range []string{"", "unknown"} {
		got, err := r.PublicKey(ctx, kid)
		if err != nil {
			t.Fatalf("PublicKey(%q): %v", kid, err)
		}
		if got.N.Cmp(first.PublicKey.N) != 0 {
			t.Errorf("PublicKey(%q) did not return the first key", kid)
		}
	}

	got, err := r.PublicKey(ctx, "k2")
	if err != nil {
		t.Fatalf("PublicKey(k2): %v", err)
	}
	if got.N.Cmp(second.PublicKey.N) != 0 {
		t.Error("PublicKey(k2) returned the wrong key")
	}
}

func TestResolverStrictKeyID(t *testing.T) {
	srv := newCertsServer(t, jwk("k1", newKey(t)))
	r := NewResolver(srv.URL, "acme", WithStrictKeyID())

	_, err := r.PublicKey(context.Background(), "unknown")
	var ve *auth.VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected verification error for unknown kid, got %v", err)
	}
	if _, err := r.PublicKey(context.Background(), "k1"); err != nil {
		t.Fatalf("PublicKey(k1): %v", err)
	}
}

func TestResolverNon200IsIOError(t *testing.T) {
	srv := newCertsServer(t, jwk("k1", newKey(t)))
	srv.setStatus(http.StatusServiceUnavailable)
	r := NewResolver(srv.URL, "acme")

	_, err := r.PublicKey(context.Background(), "k1")
	var ioErr *auth.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
}

func TestResolverEmptyKeySetClearsCache(t *testing.T) {
	srv := newCertsServer(t, jwk("k1", newKey(t)))
	r := NewResolver(srv.URL, "acme")
	ctx := context.Background()

	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	srv.setKeys()
	err := r.Refresh(ctx)
	var ioErr *auth.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError for empty key set, got %v", err)
	}
	if ids := r.KeyIDs(); len(ids) != 0 {
		t.Fatalf("expected empty cache, got %v", ids)
	}
	if _, err := r.PublicKey(ctx, "k1"); err == nil {
		t.Fatal("expected lookup to fail with an empty key set")
	}
}

func TestResolverConcurrentLookupsShareRefresh(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	key := newKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk("k1", key)}})
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "acme")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.PublicKey(context.Background(), "k1"); err != nil {
				t.Errorf("PublicKey: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected concurrent lookups to share one fetch, got %d", got)
	}
}

func TestResolverCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	key := newKey(t)
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk("k1", key)}})
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "acme")
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.PublicKey(ctx, "k1")
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := r.PublicKey(context.Background(), "k1")
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	var ioErr *auth.IOError
	if err := <-first; !errors.As(err, &ioErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to get its own cancellation, got %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("live caller must not see another caller's cancellation: %v", err)
	}
	if ids := r.KeyIDs(); !reflect.DeepEqual(ids, []string{"k1"}) {
		t.Fatalf("expected the detached refresh to fill the cache, got %v", ids)
	}
}

func TestResolverRemembersFailedRefresh(t *testing.T) {
	srv := newCertsServer(t, jwk("k1", newKey(t)))
	srv.setStatus(http.StatusServiceUnavailable)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewResolver(srv.URL, "acme", WithClock(clock.Now), WithRetryAfter(10*time.Second))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.PublicKey(ctx, "k1"); err == nil {
			t.Fatal("expected lookup to fail while the certs endpoint is down")
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected one fetch inside the retry window, got %d", got)
	}

	srv.setStatus(http.StatusOK)
	clock.Advance(11 * time.Second)
	if _, err := r.PublicKey(ctx, "k1"); err != nil {
		t.Fatalf("PublicKey after the window: %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Fatalf("expected a refetch once the window passed, got %d", got)
	}

	srv.setStatus(http.StatusServiceUnavailable)
	clock.Advance(DefaultTTL + time.Second)
	if _, err := r.PublicKey(ctx, "k1"); err == nil {
		t.Fatal("expected the stale refresh to fail")
	}
	srv.setStatus(http.StatusOK)
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("explicit Refresh must bypass the window: %v", err)
	}
	if _, err := r.PublicKey(ctx, "k1"); err != nil {
		t.Fatalf("PublicKey after recovery: %v", err)
	}
}

func TestParseRSAPublicKeyExponent(t *testing.T) {
	n := base64.RawURLEncoding.EncodeToString(newKey(t).PublicKey.N.Bytes())
	cases := []struct {
		name string
		e    []byte
		ok   bool
	}{
		{"65537", []byte{0x01, 0x00, 0x01}, true},
		{"3", []byte{0x03}, true},
		{"one", []byte{0x01}, false},
		{"wider than 31 bits", []byte{0x80, 0x00, 0x00, 0x00}, false},
		{"wraps a 64 bit int", []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0x01, 0x00, 0x01}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub, err := parseRSAPublicKey(n, base64.RawURLEncoding.EncodeToString(tc.e))
			if tc.ok && (err != nil || pub.E <= 1) {
				t.Fatalf("expected a valid key, got %v (%v)", pub, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected exponent %x to be rejected, got E=%d", tc.e, pub.E)
			}
		})
	}
}

func TestCertsURL(t *testing.T) {
	got := CertsURL("https://sso.example.com/", "acme")
	want := "https://sso.example.com/realms/acme/protocol/openid-connect/certs"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestJWKSValidator(t *testing.T) {
	privKey := newKey(t)
	srv := newCertsServer(t, jwk("test-key-1", privKey))

	raw, _ := json.Marshal(map[string]any{
		"serverUrl": srv.URL,
		"realm":     "acme",
		"clientId":  "orders",
		"issuer":    "test-issuer",
		"audience":  "test-audience",
	})
	validator, err := auth.NewValidator(auth.ProviderConfig{Type: "jwks", Config: raw})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	now := time.Now().Unix()
	token := signToken(t, privKey, "test-key-1", map[string]any{
		"iss":                "test-issuer",
		"aud":                "test-audience",
		"sub":                "test-user",
		"preferred_username": "tester",
		"exp":                now + 3600,
		"iat":                now,
		"scope":              "read write",
		"realm_access":       map[string]any{"roles": []string{"admin"}},
		"resource_access":    map[string]any{"orders": map[string]any{"roles": []string{"ops"}}},
	})

	claims, err := validator.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.Subject != "test-user" || claims.Username != "tester" {
		t.Errorf("unexpected identity %+v", claims)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "read" || claims.Scopes[1] != "write" {
		t.Errorf("expected scopes ['read', 'write'], got %v", claims.Scopes)
	}
	if !reflect.DeepEqual(claims.Roles, []string{"admin", "ops"}) {
		t.Errorf("expected roles [admin ops], got %v", claims.Roles)
	}
}

func TestJWKSValidatorRejects(t *testing.T) {
	privKey := newKey(t)
	srv := newCertsServer(t, jwk("test-key-1", privKey))
	v, err := NewValidator(Config{Realm: "acme", Issuer: "test-issuer", Audience: "test-audience"}, NewResolver(srv.URL, "acme"))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	now := time.Now().Unix()
	tests := []struct {
		name   string
		key    *rsa.PrivateKey
		claims map[string]any
	}{
		{"wrong issuer", privKey, map[string]any{"iss": "other", "aud": "test-audience", "exp": now + 60}},
		{"wrong audience", privKey, map[string]any{"iss": "test-issuer", "aud": "other", "exp": now + 60}},
		{"expired", privKey, map[string]any{"iss": "test-issuer", "aud": "test-audience", "exp": now - 3600}},
		{"foreign signer", newKey(t), map[string]any{"iss": "test-issuer", "aud": "test-audience", "exp": now + 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), signToken(t, tt.key, "test-key-1", tt.claims))
			var ve *auth.VerificationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected verification error, got %v", err)
			}
		})
	}
}

func TestNewValidatorFromJSONRequiresLocation(t *testing.T) {
	if _, err := NewValidatorFromJSON(json.RawMessage(`{"realm":"acme"}`)); err == nil {
		t.Fatal("expected error without serverUrl or jwksUrl")
	}
	if _, err := NewValidatorFromJSON(json.RawMessage(`{"jwksUrl":"http://localhost/certs"}`)); err != nil {
		t.Fatalf("unexpected error with jwksUrl: %v", err)
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": kid}
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	h := enc(header)
	p := enc(claims)
	signingInput := h + "." + p
	hashed := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	s := base64.RawURLEncoding.EncodeToString(sig)
	return signingInput + "." + s
}
