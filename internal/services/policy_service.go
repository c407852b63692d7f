package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/realmgate/pkg/auth/introspection"
	"github.com/osvaldoandrade/realmgate/pkg/auth/jwks"
	"github.com/osvaldoandrade/realmgate/pkg/policy"
)

var (
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrNotSupported is returned for key or cache operations on a policy
	// whose strategy has no such component.
	ErrNotSupported = errors.New("not supported by the policy strategy")
)

type PolicySummary struct {
	Name                   string   `json:"name"`
	Mode                   string   `json:"mode"`
	ServerURL              string   `json:"serverUrl,omitempty"`
	Realm                  string   `json:"realm,omitempty"`
	ClientID               string   `json:"clientId,omitempty"`
	RequiredRoles          []string `json:"requiredRoles"`
	RequiredPermissions    []string `json:"requiredPermissions"`
	AllRolesRequired       bool     `json:"allRolesRequired"`
	AllPermissionsRequired bool     `json:"allPermissionsRequired"`
}

type PurgeResult struct {
	Policy string `json:"policy"`
	Purged int    `json:"purged"`
}

type PolicyService interface {
	Processor(name string) (*policy.Processor, error)
	List() []PolicySummary
	KeyStats(ctx context.Context, name string) (jwks.Stats, error)
	RefreshKeys(ctx context.Context, name string) (jwks.Stats, error)
	PurgeIntrospection(ctx context.Context, name string) (PurgeResult, error)
	Close() error
}

// PolicyDeps are the shared clients handed to every policy. Redis is only
// used when SharedIntrospectionCache is set.
type PolicyDeps struct {
	Logger                   *slog.Logger
	Redis                    *redis.Client
	SharedIntrospectionCache bool
	HTTPClient               func(timeout time.Duration) *http.Client
}

type policyService struct {
	names      []string
	processors map[string]*policy.Processor
	logger     *slog.Logger
}

// NewPolicyService builds one processor per config. Policies of the same
// realm share a key resolver and, when enabled, a Redis introspection cache.
func NewPolicyService(cfgs []policy.Config, deps PolicyDeps) (PolicyService, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &policyService{processors: make(map[string]*policy.Processor, len(cfgs)), logger: logger}
	resolvers := map[string]*jwks.Resolver{}
	caches := map[string]introspection.Cache{}

	for _, cfg := range cfgs {
		if _, dup := s.processors[cfg.Name]; dup {
			_ = s.Close()
			return nil, fmt.Errorf("duplicate policy %q", cfg.Name)
		}
		timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
		opts := []policy.Option{policy.WithLogger(logger)}
		var client *http.Client
		if deps.HTTPClient != nil {
			client = deps.HTTPClient(timeout)
			opts = append(opts, policy.WithHTTPClient(client))
		}

		switch cfg.Mode() {
		case "jwks":
			key := fmt.Sprintf("%s|%s|%t|%d", cfg.ServerURL, cfg.Realm, cfg.StrictKeyID, cfg.HTTPTimeoutSeconds)
			r, ok := resolvers[key]
			if !ok {
				ropts := []jwks.Option{jwks.WithLogger(logger)}
				if client != nil {
					ropts = append(ropts, jwks.WithHTTPClient(client))
				}
				if cfg.StrictKeyID {
					ropts = append(ropts, jwks.WithStrictKeyID())
				}
				r = jwks.NewResolver(cfg.ServerURL, cfg.Realm, ropts...)
				resolvers[key] = r
			}
			opts = append(opts, policy.WithKeyResolver(r))
		case "introspection":
			if deps.SharedIntrospectionCache && deps.Redis != nil {
				c, ok := caches[cfg.Realm]
				if !ok {
					c = introspection.NewRedisCache(deps.Redis, cfg.Realm)
					caches[cfg.Realm] = c
				}
				opts = append(opts, policy.WithIntrospectionCache(c))
			}
		}

		p, err := policy.New(cfg, opts...)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.processors[cfg.Name] = policy.NewProcessor(p)
		s.names = append(s.names, cfg.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

func (s *policyService) Processor(name string) (*policy.Processor, error) {
	proc, ok := s.processors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
	}
	return proc, nil
}

func (s *policyService) List() []PolicySummary {
	out := make([]PolicySummary, 0, len(s.names))
	for _, name := range s.names {
		p := s.processors[name].Policy()
		cfg := p.Config()
		out = append(out, PolicySummary{
			Name:                   name,
			Mode:                   cfg.Mode(),
			ServerURL:              cfg.ServerURL,
			Realm:                  cfg.Realm,
			ClientID:               cfg.ClientID,
			RequiredRoles:          nonNil(p.Roles()),
			RequiredPermissions:    nonNil(p.Permissions()),
			AllRolesRequired:       cfg.AllRolesRequired,
			AllPermissionsRequired: cfg.AllPermissionsRequired,
		})
	}
	return out
}

func (s *policyService) resolver(name string) (*jwks.Resolver, error) {
	proc, err := s.Processor(name)
	if err != nil {
		return nil, err
	}
	r, ok := proc.Policy().KeyResolver()
	if !ok {
		return nil, fmt.Errorf("policy %q: key set: %w", name, ErrNotSupported)
	}
	return r, nil
}

func (s *policyService) KeyStats(_ context.Context, name string) (jwks.Stats, error) {
	r, err := s.resolver(name)
	if err != nil {
		return jwks.Stats{}, err
	}
	return r.Stats(), nil
}

func (s *policyService) RefreshKeys(ctx context.Context, name string) (jwks.Stats, error) {
	r, err := s.resolver(name)
	if err != nil {
		return jwks.Stats{}, err
	}
	if err := r.Refresh(ctx); err != nil {
		return r.Stats(), err
	}
	s.logger.Info("key set refreshed", "policy", name, "keys", len(r.KeyIDs()))
	return r.Stats(), nil
}

// PurgeIntrospection drops cached introspection results. A Redis cache is
// shared by the realm, so the purge affects every policy of that realm.
func (s *policyService) PurgeIntrospection(ctx context.Context, name string) (PurgeResult, error) {
	proc, err := s.Processor(name)
	if err != nil {
		return PurgeResult{}, err
	}
	i, ok := proc.Policy().Introspector()
	if !ok || !i.CacheEnabled() {
		return PurgeResult{}, fmt.Errorf("policy %q: introspection cache: %w", name, ErrNotSupported)
	}
	n, err := i.CacheLen(ctx)
	if err != nil {
		return PurgeResult{}, err
	}
	if err := i.Purge(ctx); err != nil {
		return PurgeResult{}, err
	}
	s.logger.Info("introspection cache purged", "policy", name, "entries", n)
	return PurgeResult{Policy: name, Purged: n}, nil
}

func (s *policyService) Close() error {
	var errs []error
	for _, proc := range s.processors {
		if err := proc.Policy().Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
