package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingAdminToken = errors.New("admin validator: token required")
	ErrInvalidAdminToken = errors.New("admin validator: invalid token")
	ErrExpiredAdminToken = errors.New("admin validator: token expired")
	ErrMissingAdminRole  = errors.New("admin validator: admin role required")
	ErrSchedulerSecret   = errors.New("scheduler secret mismatch")

	errEmptySchedulerSecret = errors.New("scheduler secret must be provided")
)

// AdminValidator authorizes grading requests carrying an admin bearer token.
type AdminValidator struct {
	issuer *TokenIssuer
}

// NewAdminValidator wraps the issuer that signs admin tokens.
func NewAdminValidator(issuer *TokenIssuer) (*AdminValidator, error) {
	if issuer == nil {
		return nil, errMissingSigningSecret
	}
	return &AdminValidator{issuer: issuer}, nil
}

// ValidateRequest extracts the bearer token and requires the admin role.
func (v *AdminValidator) ValidateRequest(r *http.Request) (AdminClaims, error) {
	if r == nil {
		return AdminClaims{}, ErrMissingAdminToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, bearerPrefix) {
		return AdminClaims{}, ErrMissingAdminToken
	}
	claims, err := v.issuer.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	if err != nil {
		return AdminClaims{}, err
	}
	if !claims.HasRole(RoleAdmin) {
		return AdminClaims{}, ErrMissingAdminRole
	}
	return claims, nil
}

// SchedulerSecret guards the tick endpoint with a shared secret.
type SchedulerSecret struct {
	secret []byte
}

// NewSchedulerSecret constructs the guard.
func NewSchedulerSecret(secret string) (*SchedulerSecret, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errEmptySchedulerSecret
	}
	return &SchedulerSecret{secret: []byte(trimmed)}, nil
}

// Verify compares the presented secret in constant time.
func (s *SchedulerSecret) Verify(presented string) error {
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), s.secret) != 1 {
		return ErrSchedulerSecret
	}
	return nil
}
