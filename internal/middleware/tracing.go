package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware continues the caller's W3C trace and wraps the handler
// chain in a server span. Once the chain returns, the span carries the
// request id, the policy that ran with its decision, and the subject of
// allowed requests.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "realmgate"
	}
	tracer := otel.Tracer(serviceName + "/http")

	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.path", c.Request.URL.Path),
			),
		)
		defer span.End()
		if id := RequestID(ctx); id != "" {
			span.SetAttributes(attribute.String("realmgate.request_id", id))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if route := c.FullPath(); route != "" {
			span.SetName("HTTP " + c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))

		if d, ok := GetDecision(c); ok {
			span.SetAttributes(
				attribute.String("realmgate.policy", d.Policy),
				attribute.Bool("realmgate.allowed", d.Allowed),
			)
			if !d.Allowed {
				span.SetAttributes(attribute.String("realmgate.phase", string(d.Phase)))
			}
		}
		if claims, ok := GetClaims(c); ok && claims.Subject != "" {
			span.SetAttributes(attribute.String("realmgate.subject", claims.Subject))
		}
		switch {
		case status == http.StatusTooManyRequests:
			span.AddEvent("rate limited")
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
