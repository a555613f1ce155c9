package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const customerIdempotencyPrefix = "billsync-customer-"

// linkTimeout bounds a shared creation once it no longer follows any caller's context.
const linkTimeout = time.Minute

// Linker ensures every account maps to exactly one provider customer.
//
// Concurrent calls for the same account in one process share a single
// creation. Across processes, the provider idempotency key and the store's
// set-if-empty write make every caller converge on the same customer id.
type Linker struct {
	store     billing.Store
	customers billing.CustomerCreator
	group     singleflight.Group
	logger    billing.Logger
	metrics   billing.Metrics
}

// NewLinker creates a linker. customers may be nil when only LinkCustomer is used.
func NewLinker(store billing.Store, customers billing.CustomerCreator, logger billing.Logger, metrics billing.Metrics) *Linker {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Linker{
		store:     store,
		customers: customers,
		logger:    logger,
		metrics:   metrics,
	}
}

// GetOrCreateCustomer returns the account's provider customer id, creating the
// customer on first use.
func (l *Linker) GetOrCreateCustomer(ctx context.Context, accountID, email, name string) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("account id is required")
	}

	// The creation is shared by every waiting caller, so it must not end
	// when the caller that started it goes away.
	ch := l.group.DoChan(accountID, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), linkTimeout)
		defer cancel()
		return l.getOrCreate(shared, accountID, email, name)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			l.metrics.RecordCustomerLink("error")
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (l *Linker) getOrCreate(ctx context.Context, accountID, email, name string) (string, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	switch {
	case err == nil:
		if acct.BillingCustomerID != "" {
			l.metrics.RecordCustomerLink("existing")
			return acct.BillingCustomerID, nil
		}
		if email == "" {
			email = acct.Email
		}
		if name == "" {
			name = acct.DisplayName
		}
	case billing.IsNotFound(err):
	default:
		return "", fmt.Errorf("failed to read account %s: %w", accountID, err)
	}

	if l.customers == nil {
		return "", billing.ErrProviderNotConfigured
	}

	created, err := l.customers.CreateCustomer(ctx, billing.CustomerRequest{
		AccountID:      accountID,
		Email:          email,
		Name:           name,
		IdempotencyKey: customerIdempotencyPrefix + accountID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create customer for %s: %w", accountID, err)
	}

	effective, err := l.store.SetBillingCustomerID(ctx, accountID, created)
	if err != nil {
		return "", fmt.Errorf("failed to link customer %s to %s: %w", created, accountID, err)
	}

	if effective != created {
		l.metrics.RecordCustomerLink("race_lost")
		l.logger.Warn("Customer creation lost race, adopting existing customer",
			billing.F("accountId", accountID),
			billing.F("created", created),
			billing.F("existing", effective),
		)
		return effective, nil
	}

	l.metrics.RecordCustomerLink("created")
	l.logger.Info("Created billing customer",
		billing.F("accountId", accountID),
		billing.F("customerId", created),
	)
	return created, nil
}

// LinkCustomer records customerID on the account unless it is already linked.
func (l *Linker) LinkCustomer(ctx context.Context, accountID, customerID string) error {
	effective, err := l.store.SetBillingCustomerID(ctx, accountID, customerID)
	if err != nil {
		return fmt.Errorf("failed to link customer %s to %s: %w", customerID, accountID, err)
	}
	if effective != customerID {
		l.logger.Warn("Account already linked to a different customer",
			billing.F("accountId", accountID),
			billing.F("customerId", customerID),
			billing.F("existing", effective),
		)
	}
	return nil
}
