package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/security"
)

// Config is the provider configuration of the "jwks" validator.
type Config struct {
	ServerURL          string `json:"serverUrl"`
	Realm              string `json:"realm"`
	JwksURL            string `json:"jwksUrl,omitempty"`
	ClientID           string `json:"clientId,omitempty"`
	Issuer             string `json:"issuer,omitempty"`
	Audience           string `json:"audience,omitempty"`
	StrictKeyID        bool   `json:"strictKeyId,omitempty"`
	TTLSeconds         int    `json:"ttlSeconds,omitempty"`
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds,omitempty"`
}

// Validator verifies tokens locally against a Resolver.
type Validator struct {
	cfg      Config
	resolver *Resolver
	now      func() time.Time
}

// NewValidator builds a Validator around an existing resolver.
func NewValidator(cfg Config, resolver *Resolver) (*Validator, error) {
	if resolver == nil {
		return nil, errors.New("jwks: resolver is required")
	}
	return &Validator{cfg: cfg, resolver: resolver, now: time.Now}, nil
}

// NewValidatorFromJSON is the provider factory registered as "jwks".
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("jwks auth: invalid config: %w", err)
		}
	}
	if strings.TrimSpace(cfg.JwksURL) == "" && (strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.Realm) == "") {
		return nil, errors.New("jwks auth: serverUrl and realm (or jwksUrl) are required")
	}

	timeout := defaultHTTPTimeout
	if cfg.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	}
	opts := []Option{
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithCertsURL(cfg.JwksURL),
	}
	if cfg.TTLSeconds > 0 {
		opts = append(opts, WithTTL(time.Duration(cfg.TTLSeconds)*time.Second))
	}
	if cfg.StrictKeyID {
		opts = append(opts, WithStrictKeyID())
	}
	return NewValidator(cfg, NewResolver(cfg.ServerURL, cfg.Realm, opts...))
}

// Resolver exposes the underlying key cache.
func (v *Validator) Resolver() *Resolver { return v.resolver }

func (v *Validator) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	kid, err := security.KeyID(token)
	if err != nil {
		return nil, err
	}
	key, err := v.resolver.PublicKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	at, err := security.ParseAccessTokenAt(token, key, v.now())
	if err != nil {
		return nil, err
	}

	if v.cfg.Issuer != "" && at.Issuer() != v.cfg.Issuer {
		return nil, &auth.VerificationError{Reason: fmt.Sprintf("invalid issuer %q", at.Issuer())}
	}
	claims := security.ClaimsFromAccessToken(at, v.cfg.Realm, v.cfg.ClientID)
	if v.cfg.Audience != "" && !containsString(claims.Audience, v.cfg.Audience) {
		return nil, &auth.VerificationError{Reason: fmt.Sprintf("invalid audience %v", claims.Audience)}
	}
	return claims, nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func init() {
	auth.RegisterProvider("jwks", NewValidatorFromJSON)
}
