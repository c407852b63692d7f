package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/policy"
)

const (
	claimsKey   = "claims"
	decisionKey = "decision"
)

// Decision records the outcome of the policy that ran for a request.
type Decision struct {
	Policy  string
	Allowed bool
	// Phase is empty for allowed requests.
	Phase auth.Phase
}

// ginMessage exposes a request to a policy. Request headers are the header
// source, gin context keys set by earlier handlers are properties, and the
// rejection marker goes on the response.
type ginMessage struct {
	c *gin.Context
}

func (m ginMessage) Header(name string) string { return m.c.GetHeader(name) }

func (m ginMessage) Property(name string) (string, bool) {
	v, ok := m.c.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m ginMessage) SetHeader(name, value string) { m.c.Header(name, value) }

// Enforce runs proc on every request. Allowed requests carry the claims
// under "claims"; denied ones end with 401, or 403 when the caller is known
// but lacks roles or permissions.
func Enforce(proc *policy.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Authorize(c, proc); !ok {
			return
		}
		c.Next()
	}
}

// Authorize runs proc once for c. On denial the request is aborted with the
// JSON error body and false is returned.
func Authorize(c *gin.Context, proc *policy.Processor) (*auth.Claims, bool) {
	claims, err := proc.Process(c.Request.Context(), ginMessage{c: c})
	if err != nil {
		d := Decision{Policy: proc.Policy().Name()}
		if ae, ok := auth.AsAuthorizationError(err); ok {
			d.Phase = ae.Phase
		}
		c.Set(decisionKey, d)
		status, body := denialResponse(err)
		c.AbortWithStatusJSON(status, body)
		return nil, false
	}
	c.Set(decisionKey, Decision{Policy: proc.Policy().Name(), Allowed: true})
	c.Set(claimsKey, claims)
	return claims, true
}

func denialResponse(err error) (int, gin.H) {
	ae, ok := auth.AsAuthorizationError(err)
	if !ok {
		return http.StatusInternalServerError, gin.H{"error": "authorization failed"}
	}
	status := http.StatusUnauthorized
	if ae.Forbidden() {
		status = http.StatusForbidden
	}
	return status, gin.H{"error": ae.Reason, "policy": ae.Policy, "phase": ae.Phase}
}

// GetDecision returns the decision recorded by Authorize, if a policy ran.
func GetDecision(c *gin.Context) (Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}

// GetClaims returns the claims stored by Enforce.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok && claims != nil
}
