package session

import (
	"context"

	"github.com/mihaimyh/billsync/pkg/identity"
)

type claimsContextKey struct{}

// WithClaims adds authenticated claims to the context
func WithClaims(ctx context.Context, claims *identity.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// FromContext retrieves the claims stored by WithClaims
func FromContext(ctx context.Context) (*identity.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*identity.Claims)
	return claims, ok && claims != nil
}

// AccountIDFromContext returns the authenticated account id
func AccountIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := FromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}
