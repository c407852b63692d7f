package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownProvider is returned when a policy names a provider type that no
// package registered.
var ErrUnknownProvider = errors.New("unknown auth provider")

// ProviderConfig contains provider-specific configuration
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory creates validators from configuration
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	registry = make(map[string]ValidatorFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory for a provider type. It is
// meant to be called from init; a later registration of the same type
// replaces the earlier one.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	providerType = strings.TrimSpace(providerType)
	if providerType == "" || factory == nil {
		panic("auth: RegisterProvider needs a provider type and a factory")
	}
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewValidator creates a validator from provider configuration
func NewValidator(providerConfig ProviderConfig) (Validator, error) {
	mu.RLock()
	factory, ok := registry[providerConfig.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownProvider, providerConfig.Type, strings.Join(ListProviders(), ", "))
	}
	v, err := factory(providerConfig.Config)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: %w", providerConfig.Type, err)
	}
	return v, nil
}

// NewValidatorFromMap builds a validator from the YAML form of a policy's
// providerConfig block.
func NewValidatorFromMap(providerType string, config map[string]interface{}) (Validator, error) {
	if config == nil {
		config = map[string]interface{}{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: config: %w", providerType, err)
	}
	return NewValidator(ProviderConfig{Type: providerType, Config: raw})
}

// ListProviders returns registered provider types in name order
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
