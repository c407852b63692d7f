package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/internal/middleware"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

type whoAmIController struct{}

func NewWhoAmIController() *whoAmIController {
	return &whoAmIController{}
}

func (h *whoAmIController) Handle(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no identity"})
		return
	}
	c.JSON(http.StatusOK, claimsView(claims))
}

func claimsView(claims *auth.Claims) gin.H {
	out := gin.H{
		"subject":     claims.Subject,
		"username":    claims.Username,
		"clientId":    claims.ClientID,
		"issuer":      claims.Issuer,
		"audience":    nonNil(claims.Audience),
		"scopes":      nonNil(claims.Scopes),
		"roles":       nonNil(claims.Roles),
		"permissions": nonNil(claims.Permissions),
	}
	if !claims.ExpiresAt.IsZero() {
		out["expiresAt"] = claims.ExpiresAt.UTC()
	}
	if !claims.IssuedAt.IsZero() {
		out["issuedAt"] = claims.IssuedAt.UTC()
	}
	return out
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
