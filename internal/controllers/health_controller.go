package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type healthController struct{ rdb *redis.Client }

// NewHealthController reports liveness. With a Redis client the check also
// pings Redis, since rate limits and shared caches depend on it.
func NewHealthController(rdb *redis.Client) *healthController {
	return &healthController{rdb: rdb}
}

func (h *healthController) Handle(c *gin.Context) {
	if h.rdb == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "redis": "up"})
}
