// Package jwt implements identity.Provider with HS256 JSON Web Tokens.
//
// ID tokens are issued by the identity service and signed with the issuer key.
// Session tokens are minted here and signed with a separate session key, so a
// leaked ID token can never be replayed as a session cookie.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/billsync/pkg/identity"
)

const sessionIssuer = "billsync"

// Config holds the signing keys.
type Config struct {
	// IssuerKey verifies ID tokens from the identity service
	IssuerKey []byte

	// SessionKey signs and verifies session tokens
	SessionKey []byte

	// Issuer, when set, must match the iss claim of ID tokens
	Issuer string

	Now func() time.Time
}

type claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Provider implements identity.Provider.
type Provider struct {
	issuerKey  []byte
	sessionKey []byte
	issuer     string
	now        func() time.Time
}

// New creates a provider. Both keys are required.
func New(cfg Config) (*Provider, error) {
	if len(cfg.IssuerKey) == 0 || len(cfg.SessionKey) == 0 {
		return nil, errors.New("jwt: issuer and session keys are required")
	}
	p := &Provider{
		issuerKey:  cfg.IssuerKey,
		sessionKey: cfg.SessionKey,
		issuer:     cfg.Issuer,
		now:        cfg.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// CreateSessionToken implements identity.Provider.
func (p *Provider) CreateSessionToken(_ context.Context, idToken string, ttl time.Duration) (string, error) {
	var opts []jwt.ParserOption
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	id, err := p.parse(idToken, p.issuerKey, opts...)
	if err != nil {
		return "", err
	}

	now := p.now()
	session := claims{
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    sessionIssuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, session).SignedString(p.sessionKey)
	if err != nil {
		return "", fmt.Errorf("jwt: sign session token: %w", err)
	}
	return signed, nil
}

// VerifySessionToken implements identity.Provider.
func (p *Provider) VerifySessionToken(_ context.Context, token string) (*identity.Claims, error) {
	c, err := p.parse(token, p.sessionKey, jwt.WithIssuer(sessionIssuer))
	if err != nil {
		return nil, err
	}
	return &identity.Claims{
		Subject:   c.Subject,
		Email:     c.Email,
		Name:      c.Name,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

func (p *Provider) parse(token string, key []byte, opts ...jwt.ParserOption) (*claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, identity.ErrInvalidToken
	}

	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, identity.ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", identity.ErrInvalidToken)
	}
	return &c, nil
}
