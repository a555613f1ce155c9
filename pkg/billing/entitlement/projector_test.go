package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
)

type listerFunc func(ctx context.Context, accountID string) ([]*billing.Subscription, error)

func (f listerFunc) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error) {
	return f(ctx, accountID)
}

func records(subs ...*billing.Subscription) Lister {
	return listerFunc(func(context.Context, string) ([]*billing.Subscription, error) {
		return subs, nil
	})
}

func catalog() *billing.Catalog {
	return billing.NewCatalog(
		billing.Plan{Tier: billing.TierFree, Name: "Free"},
		billing.Plan{Tier: billing.TierPro, Name: "Pro", PriceID: "price_pro", ProductID: "prod_pro"},
		billing.Plan{Tier: billing.TierBusiness, Name: "Business", PriceID: "price_biz", ProductID: "prod_biz"},
	)
}

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestProject_NoRecords(t *testing.T) {
	p := NewProjector(records(), catalog(), nil)

	ent, err := p.Project(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.False(t, ent.Subscribed)
	assert.Equal(t, billing.TierFree, ent.Tier)
	assert.Nil(t, ent.Record)
}

func TestProject_OnlyActiveLikeCounts(t *testing.T) {
	for _, status := range []billing.SubscriptionStatus{
		billing.StatusPastDue, billing.StatusCanceled, billing.StatusUnpaid,
		billing.StatusIncomplete, billing.StatusIncompleteExpired, billing.StatusPaused,
	} {
		t.Run(string(status), func(t *testing.T) {
			p := NewProjector(records(&billing.Subscription{
				ID: "sub_1", Status: status, ProductID: "prod_biz", CreatedAt: base,
			}), catalog(), nil)

			ent, err := p.Project(context.Background(), "acct_1")
			require.NoError(t, err)
			assert.False(t, ent.Subscribed)
			assert.Equal(t, billing.TierFree, ent.Tier)
		})
	}

	p := NewProjector(records(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusTrialing, ProductID: "prod_pro", CreatedAt: base,
	}), catalog(), nil)
	ent, err := p.Project(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, ent.Subscribed)
	assert.Equal(t, billing.TierPro, ent.Tier)
}

func TestProject_UnknownProductIsFree(t *testing.T) {
	p := NewProjector(records(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusActive, ProductID: "prod_legacy", CreatedAt: base,
	}), catalog(), nil)

	ent, err := p.Project(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, ent.Subscribed)
	assert.Equal(t, billing.TierFree, ent.Tier)
	assert.False(t, HasTier(ent, billing.TierPro))
}

func TestProject_MostRecentWins(t *testing.T) {
	p := NewProjector(records(
		&billing.Subscription{ID: "sub_b", Status: billing.StatusActive, ProductID: "prod_biz", CreatedAt: base},
		&billing.Subscription{ID: "sub_a", Status: billing.StatusActive, ProductID: "prod_pro", CreatedAt: base.Add(time.Hour)},
		&billing.Subscription{ID: "sub_c", Status: billing.StatusCanceled, ProductID: "prod_biz", CreatedAt: base.Add(2 * time.Hour)},
	), catalog(), nil)

	ent, err := p.Project(context.Background(), "acct_1")
	require.NoError(t, err)
	require.NotNil(t, ent.Record)
	assert.Equal(t, "sub_a", ent.Record.ID)
	assert.Equal(t, billing.TierPro, ent.Tier)
}

func TestProject_TieBreaksOnHighestID(t *testing.T) {
	p := NewProjector(records(
		&billing.Subscription{ID: "sub_2", Status: billing.StatusActive, ProductID: "prod_biz", CreatedAt: base},
		&billing.Subscription{ID: "sub_1", Status: billing.StatusActive, ProductID: "prod_pro", CreatedAt: base},
	), catalog(), nil)

	ent, err := p.Project(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_2", ent.Record.ID)
	assert.Equal(t, billing.TierBusiness, ent.Tier)
}

func TestProject_StoreError(t *testing.T) {
	p := NewProjector(listerFunc(func(context.Context, string) ([]*billing.Subscription, error) {
		return nil, billing.ErrStoreUnavailable
	}), catalog(), nil)

	_, err := p.Project(context.Background(), "acct_1")
	assert.True(t, errors.Is(err, billing.ErrStoreUnavailable))
}

func TestHasTier(t *testing.T) {
	pro := Entitlement{Subscribed: true, Tier: billing.TierPro}
	free := Entitlement{Tier: billing.TierFree}

	assert.True(t, HasTier(pro, billing.TierPro))
	assert.True(t, HasTier(pro, billing.TierFree))
	assert.False(t, HasTier(pro, billing.TierBusiness))
	assert.True(t, HasTier(free, billing.TierFree))
	assert.False(t, HasTier(free, billing.TierPro))
}
