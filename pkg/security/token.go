// Package security holds the stateless helpers that turn a bearer token, or
// the result of introspecting one, into normalized roles, permissions and
// identity claims.
package security

import (
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
)

var validMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

// AccessToken is a decoded access token. It lives for a single request and
// is never cached.
type AccessToken struct {
	KeyID     string
	Algorithm string
	Verified  bool
	Claims    jwt.MapClaims
}

// Subject returns the sub claim.
func (t *AccessToken) Subject() string { return stringClaim(t.Claims, "sub") }

// Issuer returns the iss claim.
func (t *AccessToken) Issuer() string { return stringClaim(t.Claims, "iss") }

// ExpiresAt returns the exp claim in seconds, or 0 when absent.
func (t *AccessToken) ExpiresAt() int64 {
	v, _ := int64Claim(t.Claims, "exp")
	return v
}

// NotBefore returns the nbf claim in seconds, or 0 when absent.
func (t *AccessToken) NotBefore() int64 {
	v, _ := int64Claim(t.Claims, "nbf")
	return v
}

// IssuedAt returns the iat claim in seconds, or 0 when absent.
func (t *AccessToken) IssuedAt() int64 {
	v, _ := int64Claim(t.Claims, "iat")
	return v
}

// ParseAccessToken decodes tokenString and, when publicKey is non-nil,
// verifies its signature. Without a key the token is only decoded; callers
// decide whether such a token can be trusted.
func ParseAccessToken(tokenString string, publicKey *rsa.PublicKey) (*AccessToken, error) {
	return ParseAccessTokenAt(tokenString, publicKey, time.Now())
}

// ParseAccessTokenAt is ParseAccessToken with an explicit clock.
func ParseAccessTokenAt(tokenString string, publicKey *rsa.PublicKey, now time.Time) (*AccessToken, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, &auth.VerificationError{Reason: "empty token"}
	}

	// Time claims are checked below against now, so the library's own
	// wall-clock validation is disabled.
	parser := jwt.NewParser(jwt.WithValidMethods(validMethods), jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}

	var (
		token *jwt.Token
		err   error
	)
	if publicKey != nil {
		token, err = parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return publicKey, nil
		})
	} else {
		token, _, err = parser.ParseUnverified(tokenString, claims)
	}
	if err != nil {
		return nil, &auth.VerificationError{Reason: verificationReason(err), Err: err}
	}

	at := &AccessToken{
		Verified: publicKey != nil,
		Claims:   claims,
	}
	at.KeyID, _ = token.Header["kid"].(string)
	at.Algorithm, _ = token.Header["alg"].(string)

	if IsTokenExpired(claims, now) {
		return nil, &auth.VerificationError{Reason: "token expired", Err: jwt.ErrTokenExpired}
	}
	if !IsTokenActive(claims, now) {
		return nil, &auth.VerificationError{Reason: "token not yet active", Err: jwt.ErrTokenNotValidYet}
	}
	return at, nil
}

// DecodeAccessToken decodes tokenString without checking its signature or
// time claims. The result is for inspection only.
func DecodeAccessToken(tokenString string) (*AccessToken, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, &auth.VerificationError{Reason: "empty token"}
	}
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, &auth.VerificationError{Reason: verificationReason(err), Err: err}
	}
	at := &AccessToken{Claims: claims}
	at.KeyID, _ = token.Header["kid"].(string)
	at.Algorithm, _ = token.Header["alg"].(string)
	return at, nil
}

// KeyID returns the kid header of tokenString without verifying anything.
func KeyID(tokenString string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tokenString), jwt.MapClaims{})
	if err != nil {
		return "", &auth.VerificationError{Reason: verificationReason(err), Err: err}
	}
	kid, _ := token.Header["kid"].(string)
	return kid, nil
}

// IsTokenExpired reports whether exp is at or before now, in whole seconds.
// A token without exp never expires.
func IsTokenExpired(claims map[string]interface{}, now time.Time) bool {
	exp, ok := int64Claim(claims, "exp")
	if !ok || exp == 0 {
		return false
	}
	return now.Unix() >= exp
}

// IsTokenActive reports whether nbf, when present, is not in the future.
func IsTokenActive(claims map[string]interface{}, now time.Time) bool {
	nbf, ok := int64Claim(claims, "nbf")
	if !ok || nbf == 0 {
		return true
	}
	return now.Unix() >= nbf
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not yet active"
	default:
		return "invalid token"
	}
}
