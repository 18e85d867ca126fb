// Package auth issues and validates the bearer tokens cmd/nexus's HTTP
// surface uses to resolve which owner an inbound request's supervisor
// run belongs to.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the owner identity embedded in a bearer token. The
// owner ID is the token's subject; nothing else about the caller is
// currently modeled.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates owner-identity bearer tokens. A Service
// with an empty secret is disabled: every call returns ErrAuthDisabled.
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService builds a Service from config.AuthConfig's JWTSecret and
// TokenExpiry fields.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(strings.TrimSpace(secret)), expiry: expiry}
}

// Enabled reports whether a secret was configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// IssueToken signs a token whose subject is owner.
func (s *Service) IssueToken(owner string) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", fmt.Errorf("owner required")
	}

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  owner,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// OwnerFromToken validates a bearer token and returns the owner ID it
// carries.
func (s *Service) OwnerFromToken(token string) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// OwnerFromAuthHeader extracts and validates the bearer token from an
// HTTP Authorization header value.
func (s *Service) OwnerFromAuthHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrInvalidToken
	}
	return s.OwnerFromToken(strings.TrimPrefix(header, prefix))
}
