package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/realmgate/internal/ratelimit"
	"github.com/osvaldoandrade/realmgate/pkg/policy"
	"gopkg.in/yaml.v3"
)

type RateLimitConfig struct {
	// Authorize limits forward-auth decisions per client address.
	Authorize ratelimit.Bucket `yaml:"authorize"`
	// Admin limits admin calls per authenticated subject.
	Admin ratelimit.Bucket `yaml:"admin"`
}

type Config struct {
	Port          int    `yaml:"port"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Env           string `yaml:"env"`

	// Realm connection shared by every policy that leaves these empty.
	ServerURL    string `yaml:"serverUrl"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`

	Policies      []policy.Config `yaml:"policies"`
	DefaultPolicy string          `yaml:"defaultPolicy"`
	AdminPolicy   string          `yaml:"adminPolicy"`

	// SharedIntrospectionCache stores introspection results in Redis so
	// replicas share them.
	SharedIntrospectionCache bool `yaml:"sharedIntrospectionCache"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the peer address is the
	// client address.
	TrustedProxies []string `yaml:"trustedProxies"`

	TracingEnabled     bool    `yaml:"tracingEnabled"`
	TracingServiceName string  `yaml:"tracingServiceName"`
	OTLPEndpoint       string  `yaml:"otlpEndpoint"`
	OTLPInsecure       bool    `yaml:"otlpInsecure"`
	TracingSampleRatio float64 `yaml:"tracingSampleRatio"`
}

// LoadConfig reads filePath, applies env overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return load(data)
}

// LoadConfigOptional behaves like LoadConfig but treats an empty path or a
// missing file as an empty document.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return load(nil)
	}
	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return load(nil)
	}
	if err != nil {
		return nil, err
	}
	return load(data)
}

func load(data []byte) (*Config, error) {
	var c Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("REALMGATE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("REALMGATE_REALM"); v != "" {
		c.Realm = v
	}
	if v := os.Getenv("REALMGATE_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("REALMGATE_CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv("REALMGATE_DEFAULT_POLICY"); v != "" {
		c.DefaultPolicy = v
	}
	if v := os.Getenv("REALMGATE_ADMIN_POLICY"); v != "" {
		c.AdminPolicy = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = policy.SplitList(v)
	}
	if v := os.Getenv("OTEL_TRACING_ENABLED"); v != "" {
		c.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TracingSampleRatio = f
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.TracingServiceName == "" {
		c.TracingServiceName = "realmgate"
	}

	for i := range c.Policies {
		p := &c.Policies[i]
		if p.ServerURL == "" {
			p.ServerURL = c.ServerURL
		}
		if p.Realm == "" {
			p.Realm = c.Realm
		}
		if p.ClientID == "" {
			p.ClientID = c.ClientID
		}
		if p.ClientSecret == "" {
			p.ClientSecret = c.ClientSecret
		}
	}
	if c.DefaultPolicy == "" && len(c.Policies) > 0 {
		c.DefaultPolicy = c.Policies[0].Name
	}
}

// Policy returns the policy config named name.
func (c *Config) Policy(name string) (policy.Config, bool) {
	for _, p := range c.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return policy.Config{}, false
}

func (c *Config) Validate() error {
	var errs []string
	dev := strings.EqualFold(strings.TrimSpace(c.Env), "dev")

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}
	if len(c.Policies) == 0 {
		errs = append(errs, "at least one policy is required")
	}
	seen := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate policy %q", p.Name))
			continue
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if p.Mode() == "unverified" && !dev {
			errs = append(errs, fmt.Sprintf("policy %q skips signature verification, allowed only in dev", p.Name))
		}
	}
	if c.DefaultPolicy != "" && !seen[c.DefaultPolicy] {
		errs = append(errs, fmt.Sprintf("defaultPolicy %q is not defined", c.DefaultPolicy))
	}
	if c.AdminPolicy != "" && !seen[c.AdminPolicy] {
		errs = append(errs, fmt.Sprintf("adminPolicy %q is not defined", c.AdminPolicy))
	}
	if c.SharedIntrospectionCache && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, "sharedIntrospectionCache requires redisAddr")
	}
	if (c.RateLimit.Authorize.Enabled() || c.RateLimit.Admin.Enabled()) && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, "rateLimit requires redisAddr")
	}
	for _, proxy := range c.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Sprintf("trustedProxies: %q is not an IP or CIDR", proxy))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validProxy(v string) bool {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		_, _, err := net.ParseCIDR(v)
		return err == nil
	}
	return net.ParseIP(v) != nil
}

func parseBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}
