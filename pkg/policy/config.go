package policy

import (
	"crypto/rsa"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTokenHeader    = "X-Realmgate-Access-Token"
	DefaultTokenProperty  = "realmgate.access_token"
	DefaultRejectedHeader = "X-Realmgate-Policy-Rejected"

	defaultIntrospectionCacheTTLSeconds = 60
	defaultHTTPTimeoutSeconds           = 5
)

// Config is the declarative form of a policy. It is read at enforcement time
// and never mutated per request.
type Config struct {
	Name         string `yaml:"name" json:"name"`
	ServerURL    string `yaml:"serverUrl" json:"serverUrl"`
	Realm        string `yaml:"realm" json:"realm"`
	ClientID     string `yaml:"clientId" json:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"-"`

	// Comma separated; blanks are dropped.
	RequiredRoles          string `yaml:"requiredRoles" json:"requiredRoles"`
	RequiredPermissions    string `yaml:"requiredPermissions" json:"requiredPermissions"`
	AllRolesRequired       bool   `yaml:"allRolesRequired" json:"allRolesRequired"`
	AllPermissionsRequired bool   `yaml:"allPermissionsRequired" json:"allPermissionsRequired"`

	UseTokenIntrospection        bool `yaml:"useTokenIntrospection" json:"useTokenIntrospection"`
	IntrospectionCacheEnabled    bool `yaml:"introspectionCacheEnabled" json:"introspectionCacheEnabled"`
	IntrospectionCacheTTLSeconds int  `yaml:"introspectionCacheTtlSeconds" json:"introspectionCacheTtlSeconds"`

	PreferPropertyOverHeader bool `yaml:"preferPropertyOverHeader" json:"preferPropertyOverHeader"`
	AllowTokenFromHeader     bool `yaml:"allowTokenFromHeader" json:"allowTokenFromHeader"`
	ValidateTokenBinding     bool `yaml:"validateTokenBinding" json:"validateTokenBinding"`

	PublicKeyPEM   string `yaml:"publicKey" json:"-"`
	VerifyWithJWKS bool   `yaml:"verifyWithJwks" json:"verifyWithJwks"`
	StrictKeyID    bool   `yaml:"strictKeyId" json:"strictKeyId"`

	TokenHeader        string `yaml:"tokenHeader" json:"tokenHeader"`
	TokenProperty      string `yaml:"tokenProperty" json:"tokenProperty"`
	RejectedHeader     string `yaml:"rejectedHeader" json:"rejectedHeader"`
	HTTPTimeoutSeconds int    `yaml:"httpTimeoutSeconds" json:"httpTimeoutSeconds"`

	// Provider delegates validation to a registered auth provider
	// ("static", "jwks", "introspection") instead of the built-in strategies.
	Provider       string                 `yaml:"provider" json:"provider,omitempty"`
	ProviderConfig map[string]interface{} `yaml:"providerConfig" json:"-"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{
		AllRolesRequired:             true,
		AllPermissionsRequired:       true,
		IntrospectionCacheEnabled:    true,
		IntrospectionCacheTTLSeconds: defaultIntrospectionCacheTTLSeconds,
		AllowTokenFromHeader:         true,
		VerifyWithJWKS:               true,
		TokenHeader:                  DefaultTokenHeader,
		TokenProperty:                DefaultTokenProperty,
		RejectedHeader:               DefaultRejectedHeader,
		HTTPTimeoutSeconds:           defaultHTTPTimeoutSeconds,
	}
}

// UnmarshalYAML decodes onto DefaultConfig so omitted booleans keep their
// defaults.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	p := plain(DefaultConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Config(p)
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.TokenHeader) == "" {
		c.TokenHeader = DefaultTokenHeader
	}
	if strings.TrimSpace(c.TokenProperty) == "" {
		c.TokenProperty = DefaultTokenProperty
	}
	if strings.TrimSpace(c.RejectedHeader) == "" {
		c.RejectedHeader = DefaultRejectedHeader
	}
	if c.IntrospectionCacheTTLSeconds <= 0 {
		c.IntrospectionCacheTTLSeconds = defaultIntrospectionCacheTTLSeconds
	}
	if c.HTTPTimeoutSeconds <= 0 {
		c.HTTPTimeoutSeconds = defaultHTTPTimeoutSeconds
	}
}

// Roles returns the parsed required roles.
func (c Config) Roles() []string { return SplitList(c.RequiredRoles) }

// Permissions returns the parsed required permissions.
func (c Config) Permissions() []string { return SplitList(c.RequiredPermissions) }

// Mode names the validation strategy the config selects.
func (c Config) Mode() string {
	switch {
	case c.Provider != "":
		return "provider:" + c.Provider
	case c.UseTokenIntrospection:
		return "introspection"
	case strings.TrimSpace(c.PublicKeyPEM) != "":
		return "public-key"
	case c.VerifyWithJWKS:
		return "jwks"
	default:
		return "unverified"
	}
}

// Validate reports configuration that can never enforce anything.
func (c Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "name is required")
	}

	needsServer := c.Provider == "" && (c.UseTokenIntrospection || (c.VerifyWithJWKS && strings.TrimSpace(c.PublicKeyPEM) == ""))
	if needsServer {
		if strings.TrimSpace(c.Realm) == "" {
			errs = append(errs, "realm is required")
		}
		u, err := url.Parse(strings.TrimSpace(c.ServerURL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "serverUrl must be a valid http(s) URL")
		}
	}
	if c.UseTokenIntrospection && c.Provider == "" && strings.TrimSpace(c.ClientID) == "" {
		errs = append(errs, "clientId is required for token introspection")
	}
	if strings.TrimSpace(c.PublicKeyPEM) != "" {
		if _, err := parsePublicKey(c.PublicKeyPEM); err != nil {
			errs = append(errs, "publicKey: "+err.Error())
		}
	}
	if !c.AllowTokenFromHeader && c.ValidateTokenBinding {
		errs = append(errs, "validateTokenBinding requires allowTokenFromHeader")
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy %q: %s", c.Name, strings.Join(errs, "; "))
	}
	return nil
}

// SplitList splits a comma separated list, trimming entries and dropping
// empty ones.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePublicKey accepts a PEM block or the bare base64 body Keycloak shows
// in its realm keys page.
func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "-----BEGIN") {
		raw = "-----BEGIN PUBLIC KEY-----\n" + raw + "\n-----END PUBLIC KEY-----"
	}
	return jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
}
