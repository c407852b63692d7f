package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const loggerKey = "logger"

// LoggerMiddleware stores a request scoped logger and writes one access line
// per request.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := logger
		if id, ok := c.Get(requestIDKey); ok {
			l = l.With("request_id", id)
		}
		c.Set(loggerKey, l)

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if claims, ok := GetClaims(c); ok {
			attrs = append(attrs, "subject", claims.Subject)
		}
		l.Info("request", attrs...)
	}
}
