// Package firestore provides a Firestore implementation of the billing.Store interface.
// Guarded writes run inside Firestore transactions, so concurrent webhook
// deliveries for the same document serialize on the server.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Store implements billing.Store using Google Cloud Firestore
type Store struct {
	client                  *firestore.Client
	accountsCollection      string
	subscriptionsCollection string
	invoicesCollection      string

	now func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for accounts
	// Default: "accounts"
	AccountsCollection string

	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "subscriptions"
	SubscriptionsCollection string

	// InvoicesCollection is the Firestore collection for invoice records
	// Default: "invoices"
	InvoicesCollection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "accounts"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.InvoicesCollection == "" {
		config.InvoicesCollection = "invoices"
	}

	return &Store{
		client:                  client,
		accountsCollection:      config.AccountsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		invoicesCollection:      config.InvoicesCollection,
		now:                     time.Now,
	}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// GetAccount implements billing.Store
func (s *Store) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(accountID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrAccountNotFound
	}

	var acct billing.Account
	if err := snap.DataTo(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", accountID, err)
	}
	acct.ID = accountID
	return &acct, nil
}

// EnsureAccount implements billing.Store
func (s *Store) EnsureAccount(ctx context.Context, acct *billing.Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return fmt.Errorf("invalid account")
	}

	ref := s.client.Collection(s.accountsCollection).Doc(acct.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.now().UTC()
		_, err := tx.Get(ref)
		if isNotFound(err) {
			return tx.Create(ref, &billing.Account{
				ID:          acct.ID,
				Email:       acct.Email,
				DisplayName: acct.DisplayName,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "email", Value: acct.Email},
			{Path: "displayName", Value: acct.DisplayName},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// SetBillingCustomerID implements billing.Store
func (s *Store) SetBillingCustomerID(ctx context.Context, accountID, customerID string) (string, error) {
	if accountID == "" || customerID == "" {
		return "", fmt.Errorf("account id and customer id are required")
	}

	ref := s.client.Collection(s.accountsCollection).Doc(accountID)
	var stored string
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.now().UTC()
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			stored = customerID
			return tx.Create(ref, &billing.Account{
				ID:                accountID,
				BillingCustomerID: customerID,
				CreatedAt:         now,
				UpdatedAt:         now,
			})
		}
		if err != nil {
			return err
		}

		if existing, _ := snap.Data()["billingCustomerId"].(string); existing != "" {
			stored = existing
			return nil
		}
		stored = customerID
		return tx.Update(ref, []firestore.Update{
			{Path: "billingCustomerId", Value: customerID},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to set billing customer id: %w", err)
	}
	return stored, nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(snap)
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}
	ref := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)
	applied, err := s.guardedSet(ctx, ref, sub.SourceUpdatedAt, sub)
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
	}
	return applied, nil
}

// ListSubscriptionsByAccount implements billing.Store
func (s *Store) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error) {
	docs, err := s.client.Collection(s.subscriptionsCollection).
		Where("accountId", "==", accountID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]*billing.Subscription, 0, len(docs))
	for _, snap := range docs {
		sub, err := decodeSubscription(snap)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

// GetInvoice implements billing.Store
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	snap, err := s.client.Collection(s.invoicesCollection).Doc(invoiceID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	var inv billing.Invoice
	if err := snap.DataTo(&inv); err != nil {
		return nil, fmt.Errorf("failed to decode invoice %s: %w", snap.Ref.ID, err)
	}
	inv.ID = snap.Ref.ID
	normalizeInvoice(&inv)
	return &inv, nil
}

// UpsertInvoice implements billing.Store
func (s *Store) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ID == "" {
		return false, fmt.Errorf("invalid invoice")
	}
	ref := s.client.Collection(s.invoicesCollection).Doc(inv.ID)
	applied, err := s.guardedSet(ctx, ref, inv.SourceUpdatedAt, inv)
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err)
	}
	return applied, nil
}

// guardedSet replaces the document with data unless the stored
// sourceUpdatedAt is later than stamp.
func (s *Store) guardedSet(ctx context.Context, ref *firestore.DocumentRef, stamp time.Time, data interface{}) (bool, error) {
	var applied bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false
		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil && snap.Exists() {
			if stored, ok := snap.Data()["sourceUpdatedAt"].(time.Time); ok &&
				!billing.Supersedes(stamp, stored) {
				return nil
			}
		}
		applied = true
		return tx.Set(ref, data)
	})
	return applied, err
}

func decodeSubscription(snap *firestore.DocumentSnapshot) (*billing.Subscription, error) {
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	var sub billing.Subscription
	if err := snap.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", snap.Ref.ID, err)
	}
	sub.ID = snap.Ref.ID
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.SourceUpdatedAt = sub.SourceUpdatedAt.UTC()
	sub.EndedAt = utcPtr(sub.EndedAt)
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.TrialStart = utcPtr(sub.TrialStart)
	sub.TrialEnd = utcPtr(sub.TrialEnd)
	return &sub, nil
}

func normalizeInvoice(inv *billing.Invoice) {
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.SourceUpdatedAt = inv.SourceUpdatedAt.UTC()
	inv.PeriodStart = utcPtr(inv.PeriodStart)
	inv.PeriodEnd = utcPtr(inv.PeriodEnd)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
