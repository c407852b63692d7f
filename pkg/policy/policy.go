// Package policy turns a declarative Config into an enforceable Policy and
// runs it against host messages.
package policy

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/auth/introspection"
	"github.com/osvaldoandrade/realmgate/pkg/auth/jwks"
)

// Option configures a Policy.
type Option func(*Policy)

// WithHTTPClient sets the client used for certs and introspection calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Policy) { p.client = c }
}

// WithClock replaces time.Now for token time checks and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIntrospectionCache shares a cache, typically a RedisCache, with the
// policy's introspector.
func WithIntrospectionCache(c introspection.Cache) Option {
	return func(p *Policy) { p.cache = c }
}

// WithLogger sets the logger; the policy name is added to every record.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithKeyResolver reuses an existing resolver, for policies of the same
// realm.
func WithKeyResolver(r *jwks.Resolver) Option {
	return func(p *Policy) { p.resolver = r }
}

// Policy is the runtime form of a Config. Network clients are created on
// first use.
type Policy struct {
	cfg         Config
	roles       []string
	permissions []string
	publicKey   *rsa.PublicKey

	client   *http.Client
	cache    introspection.Cache
	resolver *jwks.Resolver
	now      func() time.Time
	logger   *slog.Logger

	once     sync.Once
	strategy Strategy
	initErr  error

	closeOnce sync.Once
}

// New validates cfg and returns a Policy. Network clients are built on first
// use, not here.
func New(cfg Config, opts ...Option) (*Policy, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		cfg:         cfg,
		roles:       cfg.Roles(),
		permissions: cfg.Permissions(),
		now:         time.Now,
		logger:      slog.Default(),
	}
	if strings.TrimSpace(cfg.PublicKeyPEM) != "" {
		key, err := parsePublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("policy %q: publicKey: %w", cfg.Name, err)
		}
		p.publicKey = key
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second}
	}
	p.logger = p.logger.With("policy", cfg.Name)
	return p, nil
}

func (p *Policy) Name() string { return p.cfg.Name }

func (p *Policy) Config() Config { return p.cfg }

func (p *Policy) Roles() []string { return append([]string(nil), p.roles...) }

func (p *Policy) Permissions() []string { return append([]string(nil), p.permissions...) }

// Strategy returns the validation strategy, building it on the first call.
func (p *Policy) Strategy() (Strategy, error) {
	p.once.Do(func() {
		p.strategy, p.initErr = p.buildStrategy()
		if p.initErr != nil {
			p.logger.Error("policy strategy init failed", "err", p.initErr)
			return
		}
		p.logger.Info("policy strategy ready", "strategy", p.strategy.Name())
	})
	return p.strategy, p.initErr
}

func (p *Policy) buildStrategy() (Strategy, error) {
	switch {
	case p.cfg.Provider != "":
		v, err := auth.NewValidatorFromMap(p.cfg.Provider, p.cfg.ProviderConfig)
		if err != nil {
			return nil, err
		}
		return &ProviderStrategy{Type: p.cfg.Provider, Validator: v}, nil

	case p.cfg.UseTokenIntrospection:
		opts := []introspection.Option{
			introspection.WithHTTPClient(p.client),
			introspection.WithClock(p.now),
			introspection.WithLogger(p.logger),
		}
		if p.cache != nil {
			opts = append(opts, introspection.WithCache(p.cache))
		}
		i, err := introspection.New(introspection.Config{
			ServerURL:    p.cfg.ServerURL,
			Realm:        p.cfg.Realm,
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			CacheEnabled: p.cfg.IntrospectionCacheEnabled,
			CacheTTL:     time.Duration(p.cfg.IntrospectionCacheTTLSeconds) * time.Second,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return &IntrospectionStrategy{Introspector: i}, nil

	default:
		s := &LocalStrategy{PublicKey: p.publicKey}
		if s.PublicKey == nil && p.cfg.VerifyWithJWKS {
			s.Keys = p.resolver
			if s.Keys == nil {
				opts := []jwks.Option{
					jwks.WithHTTPClient(p.client),
					jwks.WithClock(p.now),
					jwks.WithLogger(p.logger),
				}
				if p.cfg.StrictKeyID {
					opts = append(opts, jwks.WithStrictKeyID())
				}
				s.Keys = jwks.NewResolver(p.cfg.ServerURL, p.cfg.Realm, opts...)
			}
		}
		if s.PublicKey == nil && s.Keys == nil {
			p.logger.Warn("policy accepts tokens without signature verification")
		}
		return s, nil
	}
}

// KeyResolver returns the JWKS resolver when the policy verifies against
// the realm key set.
func (p *Policy) KeyResolver() (*jwks.Resolver, bool) {
	s, err := p.Strategy()
	if err != nil {
		return nil, false
	}
	if ls, ok := s.(*LocalStrategy); ok && ls.Keys != nil {
		return ls.Keys, true
	}
	return nil, false
}

// Introspector returns the introspector when the policy uses introspection.
func (p *Policy) Introspector() (*introspection.Introspector, bool) {
	s, err := p.Strategy()
	if err != nil {
		return nil, false
	}
	if is, ok := s.(*IntrospectionStrategy); ok {
		return is.Introspector, true
	}
	return nil, false
}

// Close releases the clients of the strategy, if one was built. A policy
// that never enforced anything has nothing to release.
func (p *Policy) Close() error {
	var err error
	p.closeOnce.Do(func() {
		// Prevent a later first use from building a fresh strategy.
		p.once.Do(func() { p.initErr = errors.New("policy closed") })
		if p.strategy != nil {
			err = p.strategy.close()
		}
	})
	return err
}
