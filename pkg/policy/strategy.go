package policy

import (
	"context"
	"crypto/rsa"
	"io"
	"time"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/auth/introspection"
	"github.com/osvaldoandrade/realmgate/pkg/auth/jwks"
	"github.com/osvaldoandrade/realmgate/pkg/security"
)

// Strategy is how a policy validates a token. It is one of LocalStrategy,
// IntrospectionStrategy or ProviderStrategy and is chosen once per policy.
type Strategy interface {
	Name() string
	validate(ctx context.Context, token string, scope tokenScope) (*auth.Claims, error)
	close() error
}

type tokenScope struct {
	realm    string
	clientID string
	now      time.Time
}

// LocalStrategy verifies the JWT in process. PublicKey wins over Keys; with
// neither the token is only decoded.
type LocalStrategy struct {
	PublicKey *rsa.PublicKey
	Keys      *jwks.Resolver
}

func (s *LocalStrategy) Name() string {
	switch {
	case s.PublicKey != nil:
		return "public-key"
	case s.Keys != nil:
		return "jwks"
	default:
		return "unverified"
	}
}

func (s *LocalStrategy) validate(ctx context.Context, token string, scope tokenScope) (*auth.Claims, error) {
	key := s.PublicKey
	if key == nil && s.Keys != nil {
		kid, err := security.KeyID(token)
		if err != nil {
			return nil, err
		}
		if key, err = s.Keys.PublicKey(ctx, kid); err != nil {
			return nil, err
		}
	}
	at, err := security.ParseAccessTokenAt(token, key, scope.now)
	if err != nil {
		return nil, err
	}
	return security.ClaimsFromAccessToken(at, scope.realm, scope.clientID), nil
}

func (s *LocalStrategy) close() error {
	if s.Keys != nil {
		s.Keys.CloseIdleConnections()
	}
	return nil
}

// IntrospectionStrategy asks the identity provider about every token.
type IntrospectionStrategy struct {
	Introspector *introspection.Introspector
}

func (s *IntrospectionStrategy) Name() string { return "introspection" }

func (s *IntrospectionStrategy) validate(ctx context.Context, token string, scope tokenScope) (*auth.Claims, error) {
	res, err := s.Introspector.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !res.Active() {
		return nil, &auth.VerificationError{Reason: "token is not active"}
	}
	return security.ClaimsFromIntrospection(res.Claims(), scope.realm, scope.clientID), nil
}

func (s *IntrospectionStrategy) close() error {
	return s.Introspector.Close()
}

// ProviderStrategy delegates to a registered auth.Validator.
type ProviderStrategy struct {
	Type      string
	Validator auth.Validator
}

func (s *ProviderStrategy) Name() string { return "provider:" + s.Type }

func (s *ProviderStrategy) validate(ctx context.Context, token string, _ tokenScope) (*auth.Claims, error) {
	return s.Validator.Validate(ctx, token)
}

func (s *ProviderStrategy) close() error {
	if c, ok := s.Validator.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
