package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/internal/services"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

func writeServiceError(c *gin.Context, err error) {
	var ioErr *auth.IOError
	switch {
	case errors.Is(err, services.ErrPolicyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotSupported):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &ioErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
