package security

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

// Claim names shared by access tokens and introspection responses. The
// local and remote extraction paths read exactly the same names.
const (
	claimRealmAccess    = "realm_access"
	claimResourceAccess = "resource_access"
	claimRoles          = "roles"
	claimPermissions    = "permissions"
	claimScope          = "scope"
)

// ExtractRoles unions the realm roles and the roles granted to clientID.
func ExtractRoles(token *AccessToken, realm, clientID string) []string {
	if token == nil {
		return []string{}
	}
	return extractRoles(token.Claims, realm, clientID)
}

// ExtractPermissions unions the permissions claim and the scope claim.
func ExtractPermissions(token *AccessToken) []string {
	if token == nil {
		return []string{}
	}
	return extractPermissions(token.Claims)
}

// ExtractRolesFromIntrospection applies ExtractRoles semantics to an
// introspection claim map.
func ExtractRolesFromIntrospection(claims map[string]interface{}, realm, clientID string) []string {
	return extractRoles(claims, realm, clientID)
}

// ExtractPermissionsFromIntrospection applies ExtractPermissions semantics to
// an introspection claim map.
func ExtractPermissionsFromIntrospection(claims map[string]interface{}) []string {
	return extractPermissions(claims)
}

// realm is accepted for symmetry with the provider's API; realm roles are
// always those of the token's own realm.
func extractRoles(claims map[string]interface{}, _ string, clientID string) []string {
	set := map[string]struct{}{}
	if realmAccess, ok := claims[claimRealmAccess].(map[string]interface{}); ok {
		addAll(set, stringSlice(realmAccess[claimRoles]))
	}
	if clientID != "" {
		if resourceAccess, ok := claims[claimResourceAccess].(map[string]interface{}); ok {
			if client, ok := resourceAccess[clientID].(map[string]interface{}); ok {
				addAll(set, stringSlice(client[claimRoles]))
			}
		}
	}
	return sortedKeys(set)
}

func extractPermissions(claims map[string]interface{}) []string {
	set := map[string]struct{}{}
	if raw, ok := claims[claimPermissions].([]interface{}); ok {
		for _, item := range raw {
			switch p := item.(type) {
			case string:
				addAll(set, []string{p})
			case map[string]interface{}:
				// Authorization-services permission objects.
				if name, _ := p["rsname"].(string); name != "" {
					addAll(set, []string{name})
				}
			}
		}
	} else {
		addAll(set, stringSlice(claims[claimPermissions]))
	}
	if scope, ok := claims[claimScope].(string); ok {
		addAll(set, strings.Fields(scope))
	}
	return sortedKeys(set)
}

// ClaimsFromAccessToken normalizes a decoded token.
func ClaimsFromAccessToken(token *AccessToken, realm, clientID string) *auth.Claims {
	c := baseClaims(token.Claims)
	c.Roles = ExtractRoles(token, realm, clientID)
	c.Permissions = ExtractPermissions(token)
	if c.ClientID == "" {
		c.ClientID = stringClaim(token.Claims, "azp")
	}
	return c
}

// ClaimsFromIntrospection normalizes an introspection claim map.
func ClaimsFromIntrospection(claims map[string]interface{}, realm, clientID string) *auth.Claims {
	c := baseClaims(claims)
	c.Roles = ExtractRolesFromIntrospection(claims, realm, clientID)
	c.Permissions = ExtractPermissionsFromIntrospection(claims)
	return c
}

func baseClaims(raw map[string]interface{}) *auth.Claims {
	c := &auth.Claims{
		Subject:  stringClaim(raw, "sub"),
		Username: firstNonEmpty(stringClaim(raw, "preferred_username"), stringClaim(raw, "username")),
		ClientID: stringClaim(raw, "client_id"),
		Issuer:   stringClaim(raw, "iss"),
		Audience: stringSlice(raw["aud"]),
		Raw:      raw,
	}
	if exp, ok := int64Claim(raw, "exp"); ok && exp > 0 {
		c.ExpiresAt = time.Unix(exp, 0)
	}
	if iat, ok := int64Claim(raw, "iat"); ok && iat > 0 {
		c.IssuedAt = time.Unix(iat, 0)
	}
	if nbf, ok := int64Claim(raw, "nbf"); ok && nbf > 0 {
		c.NotBefore = time.Unix(nbf, 0)
	}
	if scope, ok := raw[claimScope].(string); ok {
		c.Scopes = strings.Fields(scope)
	}
	return c
}

func stringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func int64Claim(claims map[string]interface{}, key string) (int64, bool) {
	switch x := claims[key].(type) {
	case float64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func stringSlice(v interface{}) []string {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		return []string{x}
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func addAll(set map[string]struct{}, values []string) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
