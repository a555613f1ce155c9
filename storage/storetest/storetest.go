// Package storetest holds behaviour checks shared by every billing.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Run exercises store against the billing.Store contract. newID must return a
// prefix unique to the run so backends with shared state do not collide.
func Run(t *testing.T, store billing.Store, newID func(string) string) {
	t.Helper()

	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, store, newID) })
	t.Run("SetBillingCustomerIDIsSetIfEmpty", func(t *testing.T) { testSetBillingCustomerID(t, store, newID) })
	t.Run("SetBillingCustomerIDConcurrent", func(t *testing.T) { testSetBillingCustomerIDConcurrent(t, store, newID) })
	t.Run("SubscriptionGuardedUpsert", func(t *testing.T) { testSubscriptionGuard(t, store, newID) })
	t.Run("ListSubscriptionsByAccount", func(t *testing.T) { testListByAccount(t, store, newID) })
	t.Run("InvoiceGuardedUpsert", func(t *testing.T) { testInvoiceGuard(t, store, newID) })
}

func ts(sec int64) time.Time {
	return time.Unix(1767225600+sec, 0).UTC()
}

func testAccountLifecycle(t *testing.T, store billing.Store, newID func(string) string) {
	ctx := context.Background()
	id := newID("acct")

	_, err := store.GetAccount(ctx, id)
	require.ErrorIs(t, err, billing.ErrAccountNotFound)

	require.NoError(t, store.EnsureAccount(ctx, &billing.Account{ID: id, Email: "a@example.com", DisplayName: "A"}))
	_, err = store.SetBillingCustomerID(ctx, id, "cus_1")
	require.NoError(t, err)

	// profile update never clears the customer link
	require.NoError(t, store.EnsureAccount(ctx, &billing.Account{ID: id, Email: "b@example.com", DisplayName: "B"}))

	acct, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", acct.Email)
	assert.Equal(t, "B", acct.DisplayName)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)
	assert.False(t, acct.CreatedAt.IsZero())
}

func testSetBillingCustomerID(t *testing.T, store billing.Store, newID func(string) string) {
	ctx := context.Background()
	id := newID("acct")

	// missing account is created bare
	got, err := store.SetBillingCustomerID(ctx, id, "cus_first")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", got)

	got, err = store.SetBillingCustomerID(ctx, id, "cus_second")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", got)

	acct, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cus_first", acct.BillingCustomerID)
}

func testSetBillingCustomerIDConcurrent(t *testing.T, store billing.Store, newID func(string) string) {
	ctx := context.Background()
	id := newID("acct")
	require.NoError(t, store.EnsureAccount(ctx, &billing.Account{ID: id, Email: "c@example.com"}))

	const workers = 8
	results := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.SetBillingCustomerID(ctx, id, fmt.Sprintf("cus_%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i], "every caller must see the winning id")
	}
}

func testSubscriptionGuard(t *testing.T, store billing.Store, newID func(string) string) {
	ctx := context.Background()
	subID := newID("sub")
	acctID := newID("acct")

	_, err := store.GetSubscription(ctx, subID)
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	ended := ts(5)
	newer := &billing.Subscription{
		ID: subID, AccountID: acctID, Status: billing.StatusCanceled,
		PriceID: "price_pro", ProductID: "prod_pro",
		CurrentPeriodStart: ts(0), CurrentPeriodEnd: ts(100),
		CreatedAt: ts(0), EndedAt: &ended, CustomerID: "cus_1",
		SourceUpdatedAt: ts(10),
	}
	applied, err := store.UpsertSubscription(ctx, newer)
	require.NoError(t, err)
	assert.True(t, applied)

	older := newer.Clone()
	older.Status = billing.StatusActive
	older.EndedAt = nil
	older.SourceUpdatedAt = ts(5)
	applied, err = store.UpsertSubscription(ctx, older)
	require.NoError(t, err)
	assert.False(t, applied, "stale write must be skipped")

	got, err := store.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
	assert.True(t, got.SourceUpdatedAt.Equal(ts(10)))
	assert.Nil(t, got.TrialStart)

	same := newer.Clone()
	same.CancelAtPeriodEnd = true
	applied, err = store.UpsertSubscription(ctx, same)
	require.NoError(t, err)
	assert.True(t, applied, "equal stamps re-apply")

	got, err = store.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.True(t, got.CancelAtPeriodEnd)
}

func testListByAccount(t *testing.T, store billing.Store, newID func(string) string) {
	ctx := context.Background()
	acctID := newID("acct")
	other := newID("acct")
	a, b, c := newID("sub"), newID("sub"), newID("sub")

	for _, sub := range []*billing.Subscription{
		{ID: a, AccountID: acctID, Status: billing.StatusActive, SourceUpdatedAt: ts(1)},
		{ID: b, AccountID: acctID, Status: billing.StatusCanceled, SourceUpdatedAt: ts(1)},
		{ID: c, AccountID: other, Status: billing.StatusActive, SourceUpdatedAt: ts(1)},
	} {
		_, err := store.UpsertSubscription(ctx, sub)
		require.NoError(t, err)
	}

	subs, err := store.ListSubscriptionsByAccount(ctx, acctID)
	require.NoError(t, err)
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{a, b}, ids)

	subs, err = store.ListSubscriptionsByAccount(ctx, newID("acct"))
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func testInvoiceGuard(t *testing.T, store billing.Store, newID func(string) string) {
	ctx := context.Background()
	id := newID("in")

	_, err := store.GetInvoice(ctx, id)
	require.ErrorIs(t, err, billing.ErrInvoiceNotFound)

	start, end := ts(0), ts(100)
	inv := &billing.Invoice{
		ID: id, CustomerID: "cus_1", SubscriptionID: "sub_1", Status: "open",
		Total: 1900, Subtotal: 1900, Currency: "usd",
		PeriodStart: &start, PeriodEnd: &end, CreatedAt: ts(0),
		FailureMessage: "card declined", SourceUpdatedAt: ts(20),
	}
	applied, err := store.UpsertInvoice(ctx, inv)
	require.NoError(t, err)
	assert.True(t, applied)

	stale := inv.Clone()
	stale.Status = "paid"
	stale.SourceUpdatedAt = ts(10)
	applied, err = store.UpsertInvoice(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetInvoice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)
	assert.Equal(t, int64(1900), got.Total)
	assert.Equal(t, "card declined", got.FailureMessage)
	require.NotNil(t, got.PeriodEnd)
	assert.True(t, got.PeriodEnd.Equal(end))
}
