// Package echo provides Echo middleware that gates routes on a session and on
// the caller's subscription tier.
package echo

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/identity"
	"github.com/mihaimyh/billsync/pkg/session"
)

// Context keys set on the Echo context by the middleware
const (
	ClaimsKey      = "billsync.claims"
	EntitlementKey = "billsync.entitlement"
)

// Authenticator resolves the session carried by a request
type Authenticator interface {
	Authenticate(r *http.Request) (*identity.Claims, error)
}

// EntitlementProjector computes what an account may access
type EntitlementProjector interface {
	Project(ctx context.Context, accountID string) (entitlement.Entitlement, error)
}

// Config holds middleware configuration
type Config struct {
	// Sessions authenticates requests (required)
	Sessions Authenticator

	// Projector is required by RequireEntitlement
	Projector EntitlementProjector

	// SignInURL, when set, redirects unauthenticated requests
	SignInURL string

	// PricingURL, when set, redirects requests below the required tier
	PricingURL string

	// DeniedStatusCode is returned to requests below the required tier.
	// Default: 402 (Payment Required)
	DeniedStatusCode int

	// OnUnauthorized is called when the request has no valid session.
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when the session is below the required tier
	OnNotEntitled func(c echo.Context, ent entitlement.Entitlement) error

	// OnError is called when the projection fails.
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireSession rejects requests without a valid session. Claims are stored
// under ClaimsKey and in the request context.
func RequireSession(cfg Config) echo.MiddlewareFunc {
	if cfg.Sessions == nil {
		panic("billsync/echo: Config.Sessions is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := authenticate(cfg, c); !ok {
				return unauthorized(cfg, c)
			}
			return next(c)
		}
	}
}

// RequireEntitlement admits only sessions whose entitlement reaches minTier.
func RequireEntitlement(cfg Config, minTier billing.Tier) echo.MiddlewareFunc {
	if cfg.Sessions == nil {
		panic("billsync/echo: Config.Sessions is required")
	}
	if cfg.Projector == nil {
		panic("billsync/echo: Config.Projector is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := authenticate(cfg, c)
			if !ok {
				return unauthorized(cfg, c)
			}

			ent, err := cfg.Projector.Project(c.Request().Context(), claims.Subject)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !entitlement.HasTier(ent, minTier) {
				switch {
				case cfg.OnNotEntitled != nil:
					return cfg.OnNotEntitled(c, ent)
				case cfg.PricingURL != "":
					return c.Redirect(http.StatusSeeOther, cfg.PricingURL)
				default:
					return c.JSON(cfg.DeniedStatusCode, map[string]string{
						"error": fmt.Sprintf("%s plan required", minTier),
					})
				}
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

func authenticate(cfg Config, c echo.Context) (*identity.Claims, bool) {
	req := c.Request()
	if claims, ok := session.FromContext(req.Context()); ok {
		return claims, true
	}

	claims, err := cfg.Sessions.Authenticate(req)
	if err != nil || claims == nil || claims.Subject == "" {
		return nil, false
	}

	c.Set(ClaimsKey, claims)
	c.SetRequest(req.WithContext(session.WithClaims(req.Context(), claims)))
	return claims, true
}

func unauthorized(cfg Config, c echo.Context) error {
	switch {
	case cfg.OnUnauthorized != nil:
		return cfg.OnUnauthorized(c)
	case cfg.SignInURL != "":
		return c.Redirect(http.StatusSeeOther, cfg.SignInURL)
	default:
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
}

// AccountID returns the account id stored by RequireSession
func AccountID(c echo.Context) string {
	if claims, ok := session.FromContext(c.Request().Context()); ok {
		return claims.Subject
	}
	return ""
}
