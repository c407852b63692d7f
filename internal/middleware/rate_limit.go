package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/internal/metrics"
	"github.com/osvaldoandrade/realmgate/internal/ratelimit"
)

// RateLimitByClientIP limits forward-auth calls per client address.
func RateLimitByClientIP(lim ratelimit.Limiter, operation string, bucket ratelimit.Bucket) gin.HandlerFunc {
	return rateLimit(lim, "client", operation, bucket, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// RateLimitBySubject limits calls per authenticated subject. It must run
// after Enforce; requests without claims pass through.
func RateLimitBySubject(lim ratelimit.Limiter, operation string, bucket ratelimit.Bucket) gin.HandlerFunc {
	return rateLimit(lim, "subject", operation, bucket, func(c *gin.Context) string {
		if claims, ok := GetClaims(c); ok {
			return claims.Subject
		}
		return ""
	})
}

func rateLimit(lim ratelimit.Limiter, scope string, operation string, bucket ratelimit.Bucket, subjectOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := subjectOf(c)
		if subject == "" {
			c.Next()
			return
		}

		dec, err := lim.Allow(c.Request.Context(), scope+":"+operation, subject, bucket)
		if err != nil {
			// Fail open to avoid turning Redis hiccups into outages.
			loggerFrom(c).Warn("rate limit check failed", "scope", scope, "op", operation, "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(scope, operation).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"scope":             scope,
			"operation":         operation,
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

func loggerFrom(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}
