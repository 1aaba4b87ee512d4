package tesclient

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource produces the bearer token attached to every request. A
// static token is the common case; JWTTokenSource exists for
// deployments that hand the backend a signing key instead of a
// long-lived secret (spec.md §6's "http.basic-auth-token" config field
// covers both: a literal token, or material to mint one from).
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same value.
type StaticToken string

func (s StaticToken) Token() (string, error) { return string(s), nil }

// JWTTokenSource mints a short-lived bearer token signed with an HMAC
// key, re-signing once TTL has elapsed since the last mint. This is the
// Go-idiomatic stand-in for the original's ability to hand the backend
// signing material rather than a fixed token.
type JWTTokenSource struct {
	Key      []byte
	Subject  string
	TTL      time.Duration
	lastMint time.Time
	cached   string
}

func (s *JWTTokenSource) Token() (string, error) {
	if s.cached != "" && time.Since(s.lastMint) < s.TTL {
		return s.cached, nil
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   s.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("tesclient: sign bearer token: %w", err)
	}
	s.cached = signed
	s.lastMint = now
	return signed, nil
}
