// Package http provides net/http middleware that gates routes on a session
// and on the caller's subscription tier.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/billsync/internal/httputil"
	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/identity"
	"github.com/mihaimyh/billsync/pkg/session"
)

// Authenticator resolves the session carried by a request.
// *session.Manager implements it.
type Authenticator interface {
	Authenticate(r *http.Request) (*identity.Claims, error)
}

// EntitlementProjector computes what an account may access.
// *entitlement.Projector implements it.
type EntitlementProjector interface {
	Project(ctx context.Context, accountID string) (entitlement.Entitlement, error)
}

// Config holds middleware configuration
type Config struct {
	// Sessions authenticates requests (required)
	Sessions Authenticator

	// Projector is required by RequireEntitlement
	Projector EntitlementProjector

	// SignInURL, when set, redirects unauthenticated requests instead of
	// answering 401
	SignInURL string

	// PricingURL, when set, redirects requests below the required tier
	// instead of answering DeniedStatusCode
	PricingURL string

	// DeniedStatusCode is returned to requests below the required tier.
	// Default: 402 (Payment Required)
	DeniedStatusCode int

	// OnUnauthorized overrides the 401 response
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotEntitled overrides the denied response
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, ent entitlement.Entitlement)

	// OnError is called when the projection fails.
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type entitlementContextKey struct{}

// WithEntitlement adds a computed entitlement to the context
func WithEntitlement(ctx context.Context, ent entitlement.Entitlement) context.Context {
	return context.WithValue(ctx, entitlementContextKey{}, ent)
}

// EntitlementFromContext returns the entitlement stored by RequireEntitlement
func EntitlementFromContext(ctx context.Context) (entitlement.Entitlement, bool) {
	ent, ok := ctx.Value(entitlementContextKey{}).(entitlement.Entitlement)
	return ent, ok
}

// RequireSession rejects requests without a valid session and stores the
// session claims in the request context for downstream handlers.
func RequireSession(cfg Config) func(http.Handler) http.Handler {
	if cfg.Sessions == nil {
		panic("billsync/http: Config.Sessions is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, ok := authenticate(cfg, w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireEntitlement admits only sessions whose entitlement reaches minTier.
// It implies RequireSession.
func RequireEntitlement(cfg Config, minTier billing.Tier) func(http.Handler) http.Handler {
	if cfg.Sessions == nil {
		panic("billsync/http: Config.Sessions is required")
	}
	if cfg.Projector == nil {
		panic("billsync/http: Config.Projector is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, ok := authenticate(cfg, w, r)
			if !ok {
				return
			}
			accountID, _ := session.AccountIDFromContext(r.Context())

			ent, err := cfg.Projector.Project(r.Context(), accountID)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					httputil.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			if !entitlement.HasTier(ent, minTier) {
				switch {
				case cfg.OnNotEntitled != nil:
					cfg.OnNotEntitled(w, r, ent)
				case cfg.PricingURL != "":
					http.Redirect(w, r, cfg.PricingURL, http.StatusSeeOther)
				default:
					httputil.WriteError(w, cfg.DeniedStatusCode,
						fmt.Sprintf("%s plan required", minTier))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithEntitlement(r.Context(), ent)))
		})
	}
}

// authenticate reuses claims already placed in the context by an outer
// RequireSession and otherwise asks the Authenticator.
func authenticate(cfg Config, w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if _, ok := session.AccountIDFromContext(r.Context()); ok {
		return r, true
	}

	claims, err := cfg.Sessions.Authenticate(r)
	if err != nil || claims == nil || claims.Subject == "" {
		switch {
		case cfg.OnUnauthorized != nil:
			cfg.OnUnauthorized(w, r)
		case cfg.SignInURL != "":
			http.Redirect(w, r, cfg.SignInURL, http.StatusSeeOther)
		default:
			httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		}
		return r, false
	}
	return r.WithContext(session.WithClaims(r.Context(), claims)), true
}
