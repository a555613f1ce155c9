// Package memory provides an in-memory implementation of the billing.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Store implements billing.Store using in-memory maps
type Store struct {
	mu            sync.RWMutex
	accounts      map[string]*billing.Account
	subscriptions map[string]*billing.Subscription
	invoices      map[string]*billing.Invoice

	now func() time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		accounts:      make(map[string]*billing.Account),
		subscriptions: make(map[string]*billing.Subscription),
		invoices:      make(map[string]*billing.Invoice),
		now:           time.Now,
	}
}

// GetAccount implements billing.Store
func (s *Store) GetAccount(_ context.Context, accountID string) (*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	acctCopy := *acct
	return &acctCopy, nil
}

// EnsureAccount implements billing.Store
func (s *Store) EnsureAccount(_ context.Context, acct *billing.Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, ok := s.accounts[acct.ID]
	if !ok {
		acctCopy := *acct
		acctCopy.BillingCustomerID = ""
		acctCopy.CreatedAt = now
		acctCopy.UpdatedAt = now
		s.accounts[acct.ID] = &acctCopy
		return nil
	}

	existing.Email = acct.Email
	existing.DisplayName = acct.DisplayName
	existing.UpdatedAt = now
	return nil
}

// SetBillingCustomerID implements billing.Store
func (s *Store) SetBillingCustomerID(_ context.Context, accountID, customerID string) (string, error) {
	if accountID == "" || customerID == "" {
		return "", fmt.Errorf("account id and customer id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &billing.Account{ID: accountID, CreatedAt: now}
		s.accounts[accountID] = acct
	}
	if acct.BillingCustomerID != "" {
		return acct.BillingCustomerID, nil
	}
	acct.BillingCustomerID = customerID
	acct.UpdatedAt = now
	return customerID, nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(_ context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[sub.ID]; ok &&
		!billing.Supersedes(sub.SourceUpdatedAt, existing.SourceUpdatedAt) {
		return false, nil
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return true, nil
}

// ListSubscriptionsByAccount implements billing.Store
func (s *Store) ListSubscriptionsByAccount(_ context.Context, accountID string) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID {
			out = append(out, sub.Clone())
		}
	}
	// map order is random; keep results stable for callers and tests
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetInvoice implements billing.Store
func (s *Store) GetInvoice(_ context.Context, invoiceID string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

// UpsertInvoice implements billing.Store
func (s *Store) UpsertInvoice(_ context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.invoices[inv.ID]; ok &&
		!billing.Supersedes(inv.SourceUpdatedAt, existing.SourceUpdatedAt) {
		return false, nil
	}
	s.invoices[inv.ID] = inv.Clone()
	return true, nil
}

// Clear removes all data (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*billing.Account)
	s.subscriptions = make(map[string]*billing.Subscription)
	s.invoices = make(map[string]*billing.Invoice)
}

// Len reports the number of stored subscriptions and invoices.
func (s *Store) Len() (subscriptions, invoices int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions), len(s.invoices)
}
