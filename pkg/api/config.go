package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/session"
)

// AccountReader reads local accounts.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (*billing.Account, error)
}

// CustomerResolver returns the account's provider customer, creating it on first use.
// *reconcile.Linker implements it.
type CustomerResolver interface {
	GetOrCreateCustomer(ctx context.Context, accountID, email, name string) (string, error)
}

// Projector computes entitlements. *entitlement.Projector implements it.
type Projector interface {
	Project(ctx context.Context, accountID string) (entitlement.Entitlement, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	Accounts  AccountReader
	Customers CustomerResolver
	Checkout  billing.Checkout
	Projector Projector
	Catalog   *billing.Catalog

	// AppURL is the public origin of the front end, e.g. https://app.example.com
	AppURL string

	// GetAccountID extracts the authenticated account id from the request.
	// Defaults to the claims placed in the context by the session middleware.
	GetAccountID func(*http.Request) string

	// OnError handles errors. If nil, errors are written as {"error": msg}.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Accounts == nil {
		return fmt.Errorf("accounts is required")
	}
	if c.Customers == nil {
		return fmt.Errorf("customers is required")
	}
	if c.Checkout == nil {
		return fmt.Errorf("checkout is required")
	}
	if c.Projector == nil {
		return fmt.Errorf("projector is required")
	}
	u, err := url.Parse(c.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("appURL must be an absolute URL")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetAccountID == nil {
		config.GetAccountID = FromSession()
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	config.AppURL = strings.TrimRight(config.AppURL, "/")
	return &Handler{config: config}, nil
}

// Helper functions for common account id extraction patterns

// FromSession returns a GetAccountID function that reads the session claims
// stored in the request context.
func FromSession() func(*http.Request) string {
	return func(r *http.Request) string {
		id, _ := session.AccountIDFromContext(r.Context())
		return id
	}
}

// FromHeader returns a GetAccountID function that extracts the account id from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
