// Package fiber provides Fiber middleware that gates routes on a session and
// on the caller's subscription tier.
package fiber

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/identity"
	"github.com/mihaimyh/billsync/pkg/session"
)

// Locals keys set by the middleware
const (
	ClaimsKey      = "billsync.claims"
	EntitlementKey = "billsync.entitlement"
)

// Authenticator resolves the session carried by a request. Fiber requests
// are converted to net/http requests before being passed in.
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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when the session is below the required tier
	OnNotEntitled func(c *fiber.Ctx, ent entitlement.Entitlement) error

	// OnError is called when the projection fails.
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireSession rejects requests without a valid session. Claims are stored
// in Locals under ClaimsKey and in the user context.
func RequireSession(cfg Config) fiber.Handler {
	if cfg.Sessions == nil {
		panic("billsync/fiber: Config.Sessions is required")
	}

	return func(c *fiber.Ctx) error {
		if _, ok := authenticate(cfg, c); !ok {
			return unauthorized(cfg, c)
		}
		return c.Next()
	}
}

// RequireEntitlement admits only sessions whose entitlement reaches minTier.
func RequireEntitlement(cfg Config, minTier billing.Tier) fiber.Handler {
	if cfg.Sessions == nil {
		panic("billsync/fiber: Config.Sessions is required")
	}
	if cfg.Projector == nil {
		panic("billsync/fiber: Config.Projector is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		claims, ok := authenticate(cfg, c)
		if !ok {
			return unauthorized(cfg, c)
		}

		ent, err := cfg.Projector.Project(c.UserContext(), claims.Subject)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !entitlement.HasTier(ent, minTier) {
			switch {
			case cfg.OnNotEntitled != nil:
				return cfg.OnNotEntitled(c, ent)
			case cfg.PricingURL != "":
				return c.Redirect(cfg.PricingURL, fiber.StatusSeeOther)
			default:
				return c.Status(cfg.DeniedStatusCode).JSON(fiber.Map{
					"error": fmt.Sprintf("%s plan required", minTier),
				})
			}
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

func authenticate(cfg Config, c *fiber.Ctx) (*identity.Claims, bool) {
	if claims, ok := session.FromContext(c.UserContext()); ok {
		return claims, true
	}

	req, err := adaptor.ConvertRequest(c, false)
	if err != nil {
		return nil, false
	}
	claims, err := cfg.Sessions.Authenticate(req)
	if err != nil || claims == nil || claims.Subject == "" {
		return nil, false
	}

	c.Locals(ClaimsKey, claims)
	c.SetUserContext(session.WithClaims(c.UserContext(), claims))
	return claims, true
}

func unauthorized(cfg Config, c *fiber.Ctx) error {
	switch {
	case cfg.OnUnauthorized != nil:
		return cfg.OnUnauthorized(c)
	case cfg.SignInURL != "":
		return c.Redirect(cfg.SignInURL, fiber.StatusSeeOther)
	default:
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}
}

// AccountID returns the account id stored by RequireSession
func AccountID(c *fiber.Ctx) string {
	if claims, ok := session.FromContext(c.UserContext()); ok {
		return claims.Subject
	}
	return ""
}
