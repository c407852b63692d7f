package controllers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/internal/middleware"
	"github.com/osvaldoandrade/realmgate/internal/services"
)

const (
	HeaderAuthSubject     = "X-Auth-Subject"
	HeaderAuthUsername    = "X-Auth-Username"
	HeaderAuthRoles       = "X-Auth-Roles"
	HeaderAuthPermissions = "X-Auth-Permissions"
)

// authorizeController answers forward-auth subrequests from reverse proxies.
type authorizeController struct{ svc services.PolicyService }

func NewAuthorizeController(svc services.PolicyService) *authorizeController {
	return &authorizeController{svc: svc}
}

func (h *authorizeController) Handle(c *gin.Context) {
	name := strings.TrimSpace(c.Param("policy"))
	proc, err := h.svc.Processor(name)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	claims, ok := middleware.Authorize(c, proc)
	if !ok {
		return
	}
	c.Header(HeaderAuthSubject, claims.Subject)
	c.Header(HeaderAuthUsername, claims.Username)
	c.Header(HeaderAuthRoles, strings.Join(claims.Roles, ","))
	c.Header(HeaderAuthPermissions, strings.Join(claims.Permissions, ","))
	c.JSON(http.StatusOK, gin.H{"allowed": true, "policy": name, "subject": claims.Subject})
}
