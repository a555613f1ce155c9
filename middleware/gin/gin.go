// Package gin provides Gin middleware that gates routes on a session and on
// the caller's subscription tier.
package gin

import (
	"context"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/identity"
	"github.com/mihaimyh/billsync/pkg/session"
)

// Context keys set on the Gin context by the middleware
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
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when the session is below the required tier
	OnNotEntitled func(c *gongin.Context, ent entitlement.Entitlement)

	// OnError is called when the projection fails.
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireSession aborts requests without a valid session. Claims are stored
// under ClaimsKey and in the request context.
func RequireSession(cfg Config) gongin.HandlerFunc {
	if cfg.Sessions == nil {
		panic("billsync/gin: Config.Sessions is required")
	}

	return func(c *gongin.Context) {
		if _, ok := authenticate(cfg, c); !ok {
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireEntitlement admits only sessions whose entitlement reaches minTier.
func RequireEntitlement(cfg Config, minTier billing.Tier) gongin.HandlerFunc {
	if cfg.Sessions == nil {
		panic("billsync/gin: Config.Sessions is required")
	}
	if cfg.Projector == nil {
		panic("billsync/gin: Config.Projector is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		claims, ok := authenticate(cfg, c)
		if !ok {
			c.Abort()
			return
		}

		ent, err := cfg.Projector.Project(c.Request.Context(), claims.Subject)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !entitlement.HasTier(ent, minTier) {
			switch {
			case cfg.OnNotEntitled != nil:
				cfg.OnNotEntitled(c, ent)
			case cfg.PricingURL != "":
				c.Redirect(http.StatusSeeOther, cfg.PricingURL)
			default:
				c.JSON(cfg.DeniedStatusCode, gongin.H{"error": fmt.Sprintf("%s plan required", minTier)})
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

func authenticate(cfg Config, c *gongin.Context) (*identity.Claims, bool) {
	if claims, ok := session.FromContext(c.Request.Context()); ok {
		return claims, true
	}

	claims, err := cfg.Sessions.Authenticate(c.Request)
	if err != nil || claims == nil || claims.Subject == "" {
		switch {
		case cfg.OnUnauthorized != nil:
			cfg.OnUnauthorized(c)
		case cfg.SignInURL != "":
			c.Redirect(http.StatusSeeOther, cfg.SignInURL)
		default:
			c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
		}
		return nil, false
	}

	c.Set(ClaimsKey, claims)
	c.Request = c.Request.WithContext(session.WithClaims(c.Request.Context(), claims))
	return claims, true
}

// AccountID returns the account id stored by RequireSession
func AccountID(c *gongin.Context) string {
	if claims, ok := session.FromContext(c.Request.Context()); ok {
		return claims.Subject
	}
	return ""
}
