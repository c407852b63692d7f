package introspection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/security"
)

type validatorConfig struct {
	ServerURL          string `json:"serverUrl"`
	Realm              string `json:"realm"`
	ClientID           string `json:"clientId"`
	ClientSecret       string `json:"clientSecret"`
	CacheEnabled       *bool  `json:"cacheEnabled,omitempty"`
	CacheTTLSeconds    int    `json:"cacheTtlSeconds,omitempty"`
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds,omitempty"`
}

// Validator accepts tokens the endpoint reports as active.
type Validator struct {
	introspector *Introspector
	realm        string
	clientID     string
}

// NewValidator wraps an existing introspector.
func NewValidator(i *Introspector) *Validator {
	return &Validator{introspector: i, realm: i.realm, clientID: i.clientID}
}

// NewValidatorFromJSON is the provider factory registered as "introspection".
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var cfg validatorConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("introspection auth: invalid config: %w", err)
	}
	cacheEnabled := true
	if cfg.CacheEnabled != nil {
		cacheEnabled = *cfg.CacheEnabled
	}
	timeout := defaultHTTPTimeout
	if cfg.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	}
	i, err := New(Config{
		ServerURL:    cfg.ServerURL,
		Realm:        cfg.Realm,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		CacheEnabled: cacheEnabled,
		CacheTTL:     time.Duration(cfg.CacheTTLSeconds) * time.Second,
	}, WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	return NewValidator(i), nil
}

func (v *Validator) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	res, err := v.introspector.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !res.Active() {
		return nil, &auth.VerificationError{Reason: "token is not active"}
	}
	return security.ClaimsFromIntrospection(res.Claims(), v.realm, v.clientID), nil
}

// Close releases the underlying introspector.
func (v *Validator) Close() error { return v.introspector.Close() }

func init() {
	auth.RegisterProvider("introspection", NewValidatorFromJSON)
}
