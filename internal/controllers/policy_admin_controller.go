package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/internal/services"
)

type listPoliciesController struct{ svc services.PolicyService }

func NewListPoliciesController(svc services.PolicyService) *listPoliciesController {
	return &listPoliciesController{svc: svc}
}

func (h *listPoliciesController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": h.svc.List()})
}

type policyKeysController struct{ svc services.PolicyService }

func NewPolicyKeysController(svc services.PolicyService) *policyKeysController {
	return &policyKeysController{svc: svc}
}

func (h *policyKeysController) Handle(c *gin.Context) {
	stats, err := h.svc.KeyStats(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type refreshKeysController struct{ svc services.PolicyService }

func NewRefreshKeysController(svc services.PolicyService) *refreshKeysController {
	return &refreshKeysController{svc: svc}
}

func (h *refreshKeysController) Handle(c *gin.Context) {
	stats, err := h.svc.RefreshKeys(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type purgeIntrospectionController struct{ svc services.PolicyService }

func NewPurgeIntrospectionController(svc services.PolicyService) *purgeIntrospectionController {
	return &purgeIntrospectionController{svc: svc}
}

func (h *purgeIntrospectionController) Handle(c *gin.Context) {
	res, err := h.svc.PurgeIntrospection(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
