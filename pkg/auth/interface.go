package auth

import (
	"context"
	"time"
)

// Claims is the normalized identity produced by every validation path,
// whether the token was verified locally or introspected remotely.
type Claims struct {
	Subject     string
	Username    string
	ClientID    string
	Issuer      string
	Audience    []string
	ExpiresAt   time.Time
	IssuedAt    time.Time
	NotBefore   time.Time
	Scopes      []string
	Roles       []string
	Permissions []string
	Raw         map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return contains(c.Scopes, scope)
}

// HasRole checks if the claims carry a realm or client role
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	return contains(c.Roles, role)
}

// HasPermission checks if the claims carry a permission or scope entry
func (c *Claims) HasPermission(permission string) bool {
	if c == nil {
		return false
	}
	return contains(c.Permissions, permission)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// Validator validates authentication tokens
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}
