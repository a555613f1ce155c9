// Package reconcile turns verified provider events into persisted subscription,
// invoice and account records.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// DefaultMetadataAccountKey is the subscription metadata key carrying the local account id.
const DefaultMetadataAccountKey = "account_id"

// Config holds reconciler dependencies.
type Config struct {
	Store   billing.Store
	Fetcher billing.SubscriptionFetcher
	Linker  *Linker

	// MetadataAccountKey overrides DefaultMetadataAccountKey
	MetadataAccountKey string

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Reconciler writes the local projection of provider subscriptions and invoices.
// It never calls a mutating provider API.
type Reconciler struct {
	store      billing.Store
	fetcher    billing.SubscriptionFetcher
	linker     *Linker
	accountKey string
	logger     billing.Logger
	metrics    billing.Metrics
}

// NewReconciler creates a reconciler from cfg.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	r := &Reconciler{
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		linker:     cfg.Linker,
		accountKey: cfg.MetadataAccountKey,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if r.accountKey == "" {
		r.accountKey = DefaultMetadataAccountKey
	}
	if r.logger == nil {
		r.logger = &billing.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &billing.NoopMetrics{}
	}
	if r.linker == nil {
		r.linker = NewLinker(cfg.Store, nil, r.logger, r.metrics)
	}
	return r, nil
}

// ReconcileSubscription upserts the record for a created or updated subscription.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, meta billing.EventMeta, sub billing.SubscriptionObject) error {
	accountID, err := r.resolveAccount(ctx, sub)
	if err != nil {
		return err
	}
	return r.upsert(ctx, project(accountID, meta, sub))
}

// ReconcileDeletion upserts the terminal record of a deleted subscription.
// Missing end and cancel times default to the event time.
func (r *Reconciler) ReconcileDeletion(ctx context.Context, meta billing.EventMeta, sub billing.SubscriptionObject) error {
	accountID, err := r.resolveAccount(ctx, sub)
	if err != nil {
		return err
	}

	rec := project(accountID, meta, sub)
	if rec.Status == "" {
		rec.Status = billing.StatusCanceled
	}
	at := meta.CreatedAt.UTC()
	if rec.EndedAt == nil {
		rec.EndedAt = &at
	}
	if rec.CanceledAt == nil {
		canceled := at
		rec.CanceledAt = &canceled
	}
	return r.upsert(ctx, rec)
}

// ReconcileCheckout links the paying customer to the account and records the
// subscription the checkout created.
func (r *Reconciler) ReconcileCheckout(ctx context.Context, meta billing.EventMeta, session billing.CheckoutObject) error {
	if session.SubscriptionID == "" || session.CustomerID == "" {
		r.logger.Debug("Checkout session has no subscription, skipping",
			billing.F("eventId", meta.ID),
			billing.F("sessionId", session.ID),
			billing.F("mode", session.Mode),
		)
		return nil
	}

	sub, err := r.fetch(ctx, session.SubscriptionID)
	if err != nil {
		return err
	}

	accountID := r.metadataAccount(sub.Metadata)
	if accountID == "" {
		accountID = strings.TrimSpace(session.Metadata[r.accountKey])
	}
	if accountID == "" {
		accountID = strings.TrimSpace(session.ClientReferenceID)
	}
	if accountID == "" {
		if accountID, err = r.storedAccount(ctx, sub.ID); err != nil {
			return err
		}
	}
	if accountID == "" {
		r.metrics.RecordReconcile("subscription", "orphan")
		return fmt.Errorf("%w: subscription %s from checkout %s", billing.ErrOrphanSubscription, sub.ID, session.ID)
	}

	if sub.CustomerID == "" {
		sub.CustomerID = session.CustomerID
	}
	if err := r.linker.LinkCustomer(ctx, accountID, session.CustomerID); err != nil {
		return err
	}
	return r.upsert(ctx, project(accountID, meta, *sub))
}

// ReconcileInvoice refreshes the invoiced subscription from the provider and
// records the payment attempt.
func (r *Reconciler) ReconcileInvoice(ctx context.Context, meta billing.EventMeta, inv billing.InvoiceObject) error {
	if inv.SubscriptionID == "" {
		r.logger.Debug("Invoice not tied to a subscription, skipping",
			billing.F("eventId", meta.ID),
			billing.F("invoiceId", inv.ID),
		)
		return nil
	}

	sub, err := r.fetch(ctx, inv.SubscriptionID)
	if err != nil {
		return err
	}
	if err := r.ReconcileSubscription(ctx, meta, *sub); err != nil {
		return err
	}

	if inv.ID == "" {
		return fmt.Errorf("%w: invoice without id", billing.ErrMalformedPayload)
	}
	if inv.CustomerID == "" {
		inv.CustomerID = sub.CustomerID
	}

	applied, err := r.store.UpsertInvoice(ctx, &billing.Invoice{
		ID:              inv.ID,
		CustomerID:      inv.CustomerID,
		SubscriptionID:  inv.SubscriptionID,
		Status:          inv.Status,
		Total:           inv.Total,
		Subtotal:        inv.Subtotal,
		Currency:        strings.ToLower(inv.Currency),
		PeriodStart:     optionalTime(inv.PeriodStart),
		PeriodEnd:       optionalTime(inv.PeriodEnd),
		CreatedAt:       inv.Created.UTC(),
		FailureMessage:  inv.FailureMessage,
		SourceUpdatedAt: meta.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err)
	}
	r.recordWrite("invoice", inv.ID, applied)
	return nil
}

func (r *Reconciler) fetch(ctx context.Context, subscriptionID string) (*billing.SubscriptionObject, error) {
	if r.fetcher == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	sub, err := r.fetcher.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (r *Reconciler) resolveAccount(ctx context.Context, sub billing.SubscriptionObject) (string, error) {
	if sub.ID == "" {
		return "", fmt.Errorf("%w: subscription without id", billing.ErrMalformedPayload)
	}
	if id := r.metadataAccount(sub.Metadata); id != "" {
		return id, nil
	}
	id, err := r.storedAccount(ctx, sub.ID)
	if err != nil {
		return "", err
	}
	if id == "" {
		r.metrics.RecordReconcile("subscription", "orphan")
		return "", fmt.Errorf("%w: subscription %s", billing.ErrOrphanSubscription, sub.ID)
	}
	return id, nil
}

func (r *Reconciler) metadataAccount(md map[string]string) string {
	return strings.TrimSpace(md[r.accountKey])
}

// storedAccount returns the owner recorded by an earlier write, or "".
func (r *Reconciler) storedAccount(ctx context.Context, subscriptionID string) (string, error) {
	existing, err := r.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if billing.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read subscription %s: %w", subscriptionID, err)
	}
	return existing.AccountID, nil
}

func (r *Reconciler) upsert(ctx context.Context, rec *billing.Subscription) error {
	applied, err := r.store.UpsertSubscription(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", rec.ID, err)
	}
	r.recordWrite("subscription", rec.ID, applied)
	return nil
}

func (r *Reconciler) recordWrite(kind, id string, applied bool) {
	if applied {
		r.metrics.RecordReconcile(kind, "applied")
		return
	}
	r.metrics.RecordReconcile(kind, "stale")
	r.logger.Info("Skipped stale write",
		billing.F("kind", kind),
		billing.F("id", id),
	)
}

// project builds the full record for sub. Every field is derived from the
// event, so projecting the same event twice yields identical records.
func project(accountID string, meta billing.EventMeta, sub billing.SubscriptionObject) *billing.Subscription {
	rec := &billing.Subscription{
		ID:                 sub.ID,
		AccountID:          accountID,
		Status:             sub.Status,
		CurrentPeriodStart: utc(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   utc(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CreatedAt:          utc(sub.Created),
		EndedAt:            optionalTime(sub.EndedAt),
		CanceledAt:         optionalTime(sub.CanceledAt),
		TrialStart:         optionalTime(sub.TrialStart),
		TrialEnd:           optionalTime(sub.TrialEnd),
		CustomerID:         sub.CustomerID,
		SourceUpdatedAt:    meta.CreatedAt.UTC(),
	}

	if len(sub.Items) > 0 {
		item := sub.Items[0]
		rec.PriceID = item.PriceID
		rec.ProductID = item.ProductID
		if set(item.CurrentPeriodStart) {
			rec.CurrentPeriodStart = item.CurrentPeriodStart.UTC()
		}
		if set(item.CurrentPeriodEnd) {
			rec.CurrentPeriodEnd = item.CurrentPeriodEnd.UTC()
		}
	}
	return rec
}

// set reports whether t carries a provider timestamp. Unix zero counts as unset.
func set(t time.Time) bool {
	return !t.IsZero() && t.Unix() != 0
}

func utc(t time.Time) time.Time {
	if !set(t) {
		return time.Time{}
	}
	return t.UTC()
}

func optionalTime(t time.Time) *time.Time {
	if !set(t) {
		return nil
	}
	v := t.UTC()
	return &v
}
