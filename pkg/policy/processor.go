package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/realmgate/internal/metrics"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "realmgate/policy"

// Processor enforces one Policy: it extracts the token from a message,
// validates it and checks the required roles and permissions.
type Processor struct {
	policy *Policy
	tracer trace.Tracer
}

// NewProcessor wraps p for per-request enforcement.
func NewProcessor(p *Policy) *Processor {
	return &Processor{policy: p, tracer: otel.Tracer(tracerName)}
}

// Policy returns the enforced policy.
func (pr *Processor) Policy() *Policy { return pr.policy }

// Process returns the caller's claims when the message is allowed. Any
// denial is an *auth.AuthorizationError, and the message carries the
// rejection header naming the policy.
func (pr *Processor) Process(ctx context.Context, msg Message) (*auth.Claims, error) {
	p := pr.policy
	start := time.Now()
	ctx, span := pr.tracer.Start(ctx, "policy.Process", trace.WithAttributes(
		attribute.String("realmgate.policy", p.Name()),
		attribute.String("realmgate.realm", p.cfg.Realm),
	))
	defer func() {
		span.End()
		metrics.PolicyLatencySeconds.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	}()

	token, err := p.ExtractToken(msg)
	if err != nil {
		return nil, pr.reject(span, msg, auth.PhaseExtraction, err)
	}

	claims, err := pr.validate(ctx, token)
	if err != nil {
		return nil, pr.reject(span, msg, auth.PhaseValidation, err)
	}

	if err := p.Authorize(claims); err != nil {
		return nil, pr.reject(span, msg, auth.PhaseAuthorization, err)
	}

	span.SetAttributes(attribute.String("realmgate.subject", claims.Subject))
	metrics.PolicyDecisionsTotal.WithLabelValues(p.Name(), "allow", "").Inc()
	return claims, nil
}

func (pr *Processor) validate(ctx context.Context, token string) (*auth.Claims, error) {
	p := pr.policy
	s, err := p.Strategy()
	if err != nil {
		return nil, err
	}
	return s.validate(ctx, token, tokenScope{realm: p.cfg.Realm, clientID: p.cfg.ClientID, now: p.now()})
}

func (pr *Processor) reject(span trace.Span, msg Message, phase auth.Phase, cause error) error {
	p := pr.policy
	msg.SetHeader(p.cfg.RejectedHeader, p.Name())

	ae := &auth.AuthorizationError{Policy: p.Name(), Phase: phase, Reason: reasonOf(cause), Err: cause}
	metrics.PolicyDecisionsTotal.WithLabelValues(p.Name(), "deny", string(phase)).Inc()
	span.SetAttributes(attribute.String("realmgate.phase", string(phase)))
	span.RecordError(cause)
	span.SetStatus(codes.Error, ae.Reason)

	level := p.logger.Info
	var ioErr *auth.IOError
	if errors.As(cause, &ioErr) {
		level = p.logger.Warn
	}
	level("request denied", "phase", phase, "reason", ae.Reason, "err", cause, "trace_id", span.SpanContext().TraceID().String())
	return ae
}

func reasonOf(err error) string {
	var (
		ve    *auth.VerificationError
		ioErr *auth.IOError
		de    *denial
	)
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "no access token"
	case errors.As(err, &de):
		return de.reason
	case errors.As(err, &ve):
		return ve.Reason
	case errors.As(err, &ioErr):
		return "identity provider unavailable"
	default:
		return err.Error()
	}
}

// denial is a failed extraction or authorization check.
type denial struct{ reason string }

func (d *denial) Error() string { return d.reason }

// ExtractToken finds the bearer token on msg. Header sources are the
// dedicated header, then Authorization: Bearer; the property source is the
// configured property. Headers are tried first unless the policy prefers
// the property.
func (p *Policy) ExtractToken(msg Message) (string, error) {
	var headerToken string
	if p.cfg.AllowTokenFromHeader {
		headerToken = strings.TrimSpace(msg.Header(p.cfg.TokenHeader))
		if headerToken == "" {
			headerToken = bearerToken(msg.Header("Authorization"))
		}
	}
	propertyToken, _ := msg.Property(p.cfg.TokenProperty)
	propertyToken = strings.TrimSpace(propertyToken)

	if p.cfg.ValidateTokenBinding && headerToken != "" && propertyToken != "" && headerToken != propertyToken {
		return "", &denial{reason: "header token does not match the bound property token"}
	}

	first, second := headerToken, propertyToken
	if p.cfg.PreferPropertyOverHeader {
		first, second = propertyToken, headerToken
	}
	switch {
	case first != "":
		return first, nil
	case second != "":
		return second, nil
	default:
		return "", auth.ErrNoToken
	}
}

// Authorize checks claims against the required roles and permissions. An
// empty requirement list always passes.
func (p *Policy) Authorize(claims *auth.Claims) error {
	if !satisfies(p.roles, claims.HasRole, p.cfg.AllRolesRequired) {
		return &denial{reason: requirementReason("roles", p.roles, p.cfg.AllRolesRequired)}
	}
	if !satisfies(p.permissions, claims.HasPermission, p.cfg.AllPermissionsRequired) {
		return &denial{reason: requirementReason("permissions", p.permissions, p.cfg.AllPermissionsRequired)}
	}
	return nil
}

func satisfies(required []string, has func(string) bool, all bool) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if has(r) != all {
			// all: first miss fails; any: first hit passes.
			return !all
		}
	}
	return all
}

func requirementReason(kind string, required []string, all bool) string {
	if all {
		return fmt.Sprintf("missing required %s: all of [%s]", kind, strings.Join(required, ", "))
	}
	return fmt.Sprintf("missing required %s: any of [%s]", kind, strings.Join(required, ", "))
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
