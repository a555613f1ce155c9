package billing

import (
	"context"
	"fmt"
)

// CircuitBreakerStore wraps a Store implementation with circuit breaker protection.
// While the circuit is open every call fails with ErrStoreUnavailable, which the
// webhook pipeline treats as retryable.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.store.GetAccount(ctx, accountID)
		return e
	})
	return acct, s.wrap(err)
}

func (s *CircuitBreakerStore) EnsureAccount(ctx context.Context, acct *Account) error {
	return s.wrap(s.cb.Execute(ctx, func() error {
		return s.store.EnsureAccount(ctx, acct)
	}))
}

func (s *CircuitBreakerStore) SetBillingCustomerID(ctx context.Context, accountID, customerID string) (string, error) {
	var effective string
	err := s.cb.Execute(ctx, func() error {
		var e error
		effective, e = s.store.SetBillingCustomerID(ctx, accountID, customerID)
		return e
	})
	return effective, s.wrap(err)
}

func (s *CircuitBreakerStore) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.store.GetSubscription(ctx, subscriptionID)
		return e
	})
	return sub, s.wrap(err)
}

func (s *CircuitBreakerStore) UpsertSubscription(ctx context.Context, sub *Subscription) (bool, error) {
	var applied bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		applied, e = s.store.UpsertSubscription(ctx, sub)
		return e
	})
	return applied, s.wrap(err)
}

func (s *CircuitBreakerStore) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		subs, e = s.store.ListSubscriptionsByAccount(ctx, accountID)
		return e
	})
	return subs, s.wrap(err)
}

func (s *CircuitBreakerStore) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv *Invoice
	err := s.cb.Execute(ctx, func() error {
		var e error
		inv, e = s.store.GetInvoice(ctx, invoiceID)
		return e
	})
	return inv, s.wrap(err)
}

func (s *CircuitBreakerStore) UpsertInvoice(ctx context.Context, inv *Invoice) (bool, error) {
	var applied bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		applied, e = s.store.UpsertInvoice(ctx, inv)
		return e
	})
	return applied, s.wrap(err)
}

// wrap marks backend failures as store unavailability so callers can classify
// them without knowing the backend.
func (s *CircuitBreakerStore) wrap(err error) error {
	if err == nil || IsNotFound(err) || errorsIsAny(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
