// Package entitlement derives what an account may access from its stored
// subscription records.
package entitlement

import (
	"context"
	"fmt"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Entitlement is the access an account currently holds.
type Entitlement struct {
	Subscribed bool                  `json:"subscribed"`
	Tier       billing.Tier          `json:"tier"`
	Record     *billing.Subscription `json:"subscription,omitempty"`
}

// Lister is the part of billing.Store the projector reads.
type Lister interface {
	ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error)
}

// Projector computes entitlements. It only reads.
type Projector struct {
	store   Lister
	catalog *billing.Catalog
	metrics billing.Metrics
}

// NewProjector creates a projector. A nil catalog maps every product to free.
func NewProjector(store Lister, catalog *billing.Catalog, metrics billing.Metrics) *Projector {
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Projector{store: store, catalog: catalog, metrics: metrics}
}

// Project returns the account's entitlement. Only active and trialing records
// count; when several do, the most recently created wins, then the highest id.
func (p *Projector) Project(ctx context.Context, accountID string) (Entitlement, error) {
	subs, err := p.store.ListSubscriptionsByAccount(ctx, accountID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("failed to list subscriptions for %s: %w", accountID, err)
	}

	var best *billing.Subscription
	for _, sub := range subs {
		if sub == nil || !sub.Status.ActiveLike() {
			continue
		}
		if best == nil || newer(sub, best) {
			best = sub
		}
	}

	ent := Entitlement{Tier: billing.TierFree}
	if best != nil {
		ent = Entitlement{
			Subscribed: true,
			Tier:       p.catalog.TierForProduct(best.ProductID),
			Record:     best,
		}
	}
	p.metrics.RecordEntitlement(string(ent.Tier))
	return ent, nil
}

func newer(a, b *billing.Subscription) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// HasTier reports whether e grants at least min.
func HasTier(e Entitlement, min billing.Tier) bool {
	if min == billing.TierFree {
		return true
	}
	return e.Subscribed && e.Tier.AtLeast(min)
}
