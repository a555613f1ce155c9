package billing

import "context"

// Store defines the persistence contract for accounts, subscriptions and
// invoices. Implementations must make UpsertSubscription, UpsertInvoice and
// SetBillingCustomerID atomic with respect to concurrent callers.
type Store interface {
	// GetAccount retrieves an account by id.
	// Returns ErrAccountNotFound if it does not exist.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// EnsureAccount creates the account if absent. On an existing account only
	// Email and DisplayName are updated; BillingCustomerID is never touched.
	EnsureAccount(ctx context.Context, acct *Account) error

	// SetBillingCustomerID stores customerID on the account unless one is
	// already present, creating a bare account document if needed.
	// Returns the customer id stored after the call, which is the existing
	// one when the account was already linked.
	SetBillingCustomerID(ctx context.Context, accountID, customerID string) (string, error)

	// GetSubscription retrieves a subscription record by provider id.
	// Returns ErrSubscriptionNotFound if it does not exist.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpsertSubscription writes the full record keyed by ID unless the stored
	// record has a later SourceUpdatedAt. Returns whether the write applied.
	UpsertSubscription(ctx context.Context, sub *Subscription) (bool, error)

	// ListSubscriptionsByAccount returns every record owned by the account.
	ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*Subscription, error)

	// GetInvoice retrieves an invoice record by provider id.
	// Returns ErrInvoiceNotFound if it does not exist.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// UpsertInvoice writes the full record keyed by ID unless the stored
	// record has a later SourceUpdatedAt. Returns whether the write applied.
	UpsertInvoice(ctx context.Context, inv *Invoice) (bool, error)
}

// IsNotFound reports whether err is one of the store's not-found sentinels.
func IsNotFound(err error) bool {
	return errorsIsAny(err, ErrAccountNotFound, ErrSubscriptionNotFound, ErrInvoiceNotFound)
}
