package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/storetest"
)

// brokenHot fails every subscription operation
type brokenHot struct {
	*memory.Store
}

func (brokenHot) GetSubscription(context.Context, string) (*billing.Subscription, error) {
	return nil, errors.New("connection refused")
}

func (brokenHot) UpsertSubscription(context.Context, *billing.Subscription) (bool, error) {
	return false, errors.New("connection refused")
}

func stamp(sec int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC)
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, store)
		assert.NoError(t, store.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		store, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		store, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotWrites: true})
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, 1000, cap(store.syncQueue))
	})
}

func TestStore_Contract(t *testing.T) {
	store, err := New(Config{Hot: memory.New(), Cold: memory.New()})
	require.NoError(t, err)
	defer store.Close()

	n := 0
	storetest.Run(t, store, func(prefix string) string {
		n++
		return fmt.Sprintf("%s_%d", prefix, n)
	})
}

func TestStore_GetSubscription_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	store, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	_, err := cold.UpsertSubscription(ctx, &billing.Subscription{ID: "sub_1", AccountID: "acct_1", Status: billing.StatusActive, SourceUpdatedAt: stamp(1)})
	require.NoError(t, err)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)

	// Hot should now be populated (read-repair)
	cached, err := hot.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", cached.AccountID)

	_, err = store.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestStore_GetInvoice_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	store, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	_, err := cold.UpsertInvoice(ctx, &billing.Invoice{ID: "in_1", Status: "paid", SourceUpdatedAt: stamp(1)})
	require.NoError(t, err)

	inv, err := store.GetInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "paid", inv.Status)

	cached, err := hot.GetInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "paid", cached.Status)
}

func TestStore_StaleWriteNeverReachesHot(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	store, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	applied, err := store.UpsertSubscription(ctx, &billing.Subscription{ID: "sub_1", Status: billing.StatusCanceled, SourceUpdatedAt: stamp(10)})
	require.NoError(t, err)
	require.True(t, applied)

	// cache eviction
	hot.Clear()

	applied, err = store.UpsertSubscription(ctx, &billing.Subscription{ID: "sub_1", Status: billing.StatusActive, SourceUpdatedAt: stamp(5)})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = hot.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
}

func TestStore_AccountsStayCold(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	store, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	_, err := store.SetBillingCustomerID(ctx, "acct_1", "cus_1")
	require.NoError(t, err)

	_, err = hot.GetAccount(ctx, "acct_1")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)
}

func TestStore_HotFailureIsReported(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	cold := memory.New()
	store, _ := New(Config{
		Hot:  brokenHot{memory.New()},
		Cold: cold,
		ErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	ctx := context.Background()

	applied, err := store.UpsertSubscription(ctx, &billing.Subscription{ID: "sub_1", Status: billing.StatusActive, SourceUpdatedAt: stamp(1)})
	require.NoError(t, err)
	assert.True(t, applied)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)

	mu.Lock()
	defer mu.Unlock()
	// write, failed read, failed read-repair
	assert.Len(t, reported, 3)
	assert.Contains(t, reported[0].Error(), "tiered cache")
}

func TestStore_AsyncHotWritesDrainOnClose(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	store, _ := New(Config{Hot: hot, Cold: cold, AsyncHotWrites: true})
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 50; i++ {
		_, err := store.UpsertInvoice(ctx, &billing.Invoice{ID: fmt.Sprintf("in_%d", i), SourceUpdatedAt: stamp(i)})
		require.NoError(t, err)
	}
	// request contexts ending must not abort queued cache writes
	cancel()
	require.NoError(t, store.Close())

	for i := 0; i < 50; i++ {
		_, err := hot.GetInvoice(context.Background(), fmt.Sprintf("in_%d", i))
		assert.NoError(t, err)
	}
}
