package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/identity"
)

var (
	issuerKey  = []byte("issuer-key-0123456789abcdef012345")
	sessionKey = []byte("session-key-0123456789abcdef01234")
	fixedNow   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{
		IssuerKey:  issuerKey,
		SessionKey: sessionKey,
		Issuer:     "https://id.example.com",
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return p
}

func idToken(t *testing.T, key []byte, method jwt.SigningMethod, c jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, c).SignedString(key)
	require.NoError(t, err)
	return signed
}

func validIDClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "acct_1",
		"email": "u@example.com",
		"name":  "User One",
		"iss":   "https://id.example.com",
		"exp":   fixedNow.Add(time.Hour).Unix(),
	}
}

func TestNew_RequiresKeys(t *testing.T) {
	_, err := New(Config{IssuerKey: issuerKey})
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	token, err := p.CreateSessionToken(ctx, idToken(t, issuerKey, jwt.SigningMethodHS256, validIDClaims()), 14*24*time.Hour)
	require.NoError(t, err)

	c, err := p.VerifySessionToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", c.Subject)
	assert.Equal(t, "u@example.com", c.Email)
	assert.Equal(t, "User One", c.Name)
	assert.True(t, c.ExpiresAt.Equal(fixedNow.Add(14*24*time.Hour)))
}

func TestSessionTokensAreUnique(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	id := idToken(t, issuerKey, jwt.SigningMethodHS256, validIDClaims())

	a, err := p.CreateSessionToken(ctx, id, time.Hour)
	require.NoError(t, err)
	b, err := p.CreateSessionToken(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "jti must differ")
}

func TestCreateSessionToken_RejectsBadIDTokens(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	expired := validIDClaims()
	expired["exp"] = fixedNow.Add(-time.Minute).Unix()

	wrongIssuer := validIDClaims()
	wrongIssuer["iss"] = "https://evil.example.com"

	noSubject := validIDClaims()
	delete(noSubject, "sub")

	noExpiry := validIDClaims()
	delete(noExpiry, "exp")

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", identity.ErrInvalidToken},
		{"garbage", "not-a-jwt", identity.ErrInvalidToken},
		{"wrong key", idToken(t, []byte("other-key-0123456789abcdef0123456"), jwt.SigningMethodHS256, validIDClaims()), identity.ErrInvalidToken},
		{"wrong algorithm", idToken(t, issuerKey, jwt.SigningMethodHS512, validIDClaims()), identity.ErrInvalidToken},
		{"expired", idToken(t, issuerKey, jwt.SigningMethodHS256, expired), identity.ErrExpiredToken},
		{"wrong issuer", idToken(t, issuerKey, jwt.SigningMethodHS256, wrongIssuer), identity.ErrInvalidToken},
		{"no subject", idToken(t, issuerKey, jwt.SigningMethodHS256, noSubject), identity.ErrInvalidToken},
		{"no expiry", idToken(t, issuerKey, jwt.SigningMethodHS256, noExpiry), identity.ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.CreateSessionToken(ctx, tt.token, time.Hour)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifySessionToken_RejectsIDTokens(t *testing.T) {
	p := newProvider(t)

	// ID token signed with the issuer key is not a session
	_, err := p.VerifySessionToken(context.Background(), idToken(t, issuerKey, jwt.SigningMethodHS256, validIDClaims()))
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	// even when signed with the session key, the issuer must be ours
	_, err = p.VerifySessionToken(context.Background(), idToken(t, sessionKey, jwt.SigningMethodHS256, validIDClaims()))
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestVerifySessionToken_Expired(t *testing.T) {
	p := newProvider(t)
	token, err := p.CreateSessionToken(context.Background(), idToken(t, issuerKey, jwt.SigningMethodHS256, validIDClaims()), time.Minute)
	require.NoError(t, err)

	later := newProvider(t)
	later.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }

	_, err = later.VerifySessionToken(context.Background(), token)
	assert.ErrorIs(t, err, identity.ErrExpiredToken)
}
