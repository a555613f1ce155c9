// Package identity defines how sign-in tokens become session tokens.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken is returned for malformed, forged or otherwise unusable tokens
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when a token's expiry has passed
	ErrExpiredToken = errors.New("token has expired")
)

// Claims identify an authenticated account.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	ExpiresAt time.Time
}

// Provider exchanges identity-issuer ID tokens for session tokens and
// verifies session tokens on later requests.
type Provider interface {
	// CreateSessionToken verifies idToken and mints a session token valid for ttl.
	CreateSessionToken(ctx context.Context, idToken string, ttl time.Duration) (string, error)

	// VerifySessionToken returns the claims of a valid session token.
	VerifySessionToken(ctx context.Context, token string) (*Claims, error)
}
