package auth

import (
	"errors"
	"fmt"
)

// ErrNoToken is the cause recorded when no bearer token could be extracted.
var ErrNoToken = errors.New("no access token found")

// IOError reports a transport or payload failure talking to the identity
// provider (JWKS fetch, introspection call, empty key set).
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// VerificationError reports a token that could not be parsed, whose signature
// did not verify, or whose time claims are out of range.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "token verification failed: " + e.Reason
	}
	return fmt.Sprintf("token verification failed: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Phase names the enforcement step that rejected a request.
type Phase string

const (
	PhaseExtraction    Phase = "extraction"
	PhaseValidation    Phase = "validation"
	PhaseAuthorization Phase = "authorization"
)

// AuthorizationError is the single failure type surfaced by policy
// enforcement. Err keeps the original cause.
type AuthorizationError struct {
	Policy string
	Phase  Phase
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("policy %q denied request during %s: %s", e.Policy, e.Phase, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// Forbidden reports whether the caller was identified but lacks the required
// roles or permissions, as opposed to presenting no usable token.
func (e *AuthorizationError) Forbidden() bool {
	return e.Phase == PhaseAuthorization
}

// AsAuthorizationError unwraps err into an *AuthorizationError.
func AsAuthorizationError(err error) (*AuthorizationError, bool) {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
