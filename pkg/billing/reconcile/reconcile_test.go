package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/billing/reconcile"
	"github.com/mihaimyh/billsync/storage/memory"
)

type fakeFetcher struct {
	mu   sync.Mutex
	subs map[string]billing.SubscriptionObject
	err  error
}

func (f *fakeFetcher) set(sub billing.SubscriptionObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]billing.SubscriptionObject)
	}
	f.subs[sub.ID] = sub
}

func (f *fakeFetcher) FetchSubscription(_ context.Context, id string) (*billing.SubscriptionObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, billing.ErrProviderRejected
	}
	return &sub, nil
}

type recordingMetrics struct {
	billing.NoopMetrics
	mu       sync.Mutex
	outcomes []string
	links    []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordCustomerLink(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, result)
}

type harness struct {
	store     *memory.Store
	fetcher   *fakeFetcher
	metrics   *recordingMetrics
	router    *reconcile.Router
	rec       *reconcile.Reconciler
	projector *entitlement.Projector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		fetcher: &fakeFetcher{},
		metrics: &recordingMetrics{},
	}
	rec, err := reconcile.NewReconciler(reconcile.Config{
		Store:   h.store,
		Fetcher: h.fetcher,
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	h.rec = rec
	h.router = reconcile.NewRouter(rec, nil, h.metrics)
	h.projector = entitlement.NewProjector(h.store, billing.NewCatalog(
		billing.Plan{Tier: billing.TierFree, Name: "Free"},
		billing.Plan{Tier: billing.TierPro, Name: "Pro", PriceID: "price_pro", ProductID: "prod_pro"},
	), nil)
	return h
}

func at(sec int64) time.Time {
	return time.Unix(1767225600+sec, 0).UTC()
}

func meta(id, typ string, sec int64) billing.EventMeta {
	return billing.EventMeta{ID: id, Type: typ, CreatedAt: at(sec)}
}

func proSubscription(status billing.SubscriptionStatus) billing.SubscriptionObject {
	return billing.SubscriptionObject{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     status,
		Metadata:   map[string]string{"account_id": "acct_1"},
		Items: []billing.SubscriptionItem{{
			PriceID:            "price_pro",
			ProductID:          "prod_pro",
			CurrentPeriodStart: at(0),
			CurrentPeriodEnd:   at(30 * 24 * 3600),
		}},
		Created: at(0),
	}
}

func storedJSON(t *testing.T, store billing.Store, id string) []byte {
	t.Helper()
	sub, err := store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	b, err := json.Marshal(sub)
	require.NoError(t, err)
	return b
}

func TestCheckoutInvoiceDeleteScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.EnsureAccount(ctx, &billing.Account{ID: "acct_1", Email: "u@example.com"}))

	// Checkout completes
	h.fetcher.set(proSubscription(billing.StatusActive))
	err := h.router.Route(ctx, billing.CheckoutCompleted{
		EventMeta: meta("evt_1", billing.EventCheckoutCompleted, 10),
		Session: billing.CheckoutObject{
			ID: "cs_1", Mode: "subscription", CustomerID: "cus_1",
			SubscriptionID: "sub_1", ClientReferenceID: "acct_1",
		},
	})
	require.NoError(t, err)

	acct, err := h.store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)

	ent, err := h.projector.Project(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, ent.Subscribed)
	assert.Equal(t, billing.TierPro, ent.Tier)

	// Renewal charge fails
	h.fetcher.set(proSubscription(billing.StatusPastDue))
	err = h.router.Route(ctx, billing.InvoicePaymentFailed{
		EventMeta: meta("evt_2", billing.EventInvoicePaymentFailed, 20),
		Invoice: billing.InvoiceObject{
			ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", Status: "open",
			Total: 1900, Subtotal: 1900, Currency: "USD", Created: at(19),
			FailureMessage: "Your card was declined.",
		},
	})
	require.NoError(t, err)

	ent, err = h.projector.Project(ctx, "acct_1")
	require.NoError(t, err)
	assert.False(t, ent.Subscribed)

	inv, err := h.store.GetInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "Your card was declined.", inv.FailureMessage)
	assert.Equal(t, "usd", inv.Currency)

	// Subscription is deleted
	deleted := proSubscription(billing.StatusCanceled)
	err = h.router.Route(ctx, billing.SubscriptionDeleted{
		EventMeta:    meta("evt_3", billing.EventSubscriptionDeleted, 30),
		Subscription: deleted,
	})
	require.NoError(t, err)

	sub, err := h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	require.NotNil(t, sub.EndedAt)
	assert.True(t, sub.EndedAt.Equal(at(30)))
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.Equal(at(30)))

	assert.Equal(t, []string{"success", "success", "success"}, h.metrics.outcomes)
}

func TestReconcileSubscription_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	event := billing.SubscriptionChanged{
		EventMeta:    meta("evt_1", billing.EventSubscriptionUpdated, 10),
		Subscription: proSubscription(billing.StatusActive),
	}

	require.NoError(t, h.router.Route(ctx, event))
	first := storedJSON(t, h.store, "sub_1")

	require.NoError(t, h.router.Route(ctx, event))
	second := storedJSON(t, h.store, "sub_1")

	assert.Equal(t, string(first), string(second))
}

func TestReconcileSubscription_OutOfOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	older := billing.SubscriptionChanged{
		EventMeta:    meta("evt_1", billing.EventSubscriptionUpdated, 10),
		Subscription: proSubscription(billing.StatusActive),
	}
	newerSub := proSubscription(billing.StatusPastDue)
	newerSub.CancelAtPeriodEnd = true
	newer := billing.SubscriptionChanged{
		EventMeta:    meta("evt_2", billing.EventSubscriptionUpdated, 20),
		Subscription: newerSub,
	}

	require.NoError(t, h.router.Route(ctx, newer))
	expected := storedJSON(t, h.store, "sub_1")

	require.NoError(t, h.router.Route(ctx, older))
	assert.Equal(t, string(expected), string(storedJSON(t, h.store, "sub_1")))

	sub, err := h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestReconcileSubscription_OrphanWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan := proSubscription(billing.StatusActive)
	orphan.Metadata = nil

	err := h.rec.ReconcileSubscription(ctx, meta("evt_1", billing.EventSubscriptionCreated, 10), orphan)
	assert.ErrorIs(t, err, billing.ErrOrphanSubscription)

	// Router acknowledges so the provider stops redelivering
	err = h.router.Route(ctx, billing.SubscriptionChanged{
		EventMeta:    meta("evt_1", billing.EventSubscriptionCreated, 10),
		Subscription: orphan,
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"dropped"}, h.metrics.outcomes)

	subs, invs := h.store.Len()
	assert.Zero(t, subs)
	assert.Zero(t, invs)
}

func TestReconcileSubscription_FallsBackToStoredAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.rec.ReconcileSubscription(ctx,
		meta("evt_1", billing.EventSubscriptionCreated, 10), proSubscription(billing.StatusActive)))

	noMetadata := proSubscription(billing.StatusTrialing)
	noMetadata.Metadata = map[string]string{}
	require.NoError(t, h.rec.ReconcileSubscription(ctx,
		meta("evt_2", billing.EventSubscriptionUpdated, 20), noMetadata))

	sub, err := h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", sub.AccountID)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
}

func TestReconcileSubscription_ProjectsItemAndNullTimes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := proSubscription(billing.StatusTrialing)
	sub.CurrentPeriodStart = at(-100)
	sub.TrialStart = at(0)
	sub.TrialEnd = time.Unix(0, 0)

	require.NoError(t, h.rec.ReconcileSubscription(ctx, meta("evt_1", billing.EventSubscriptionCreated, 10), sub))

	got, err := h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "price_pro", got.PriceID)
	assert.Equal(t, "prod_pro", got.ProductID)
	assert.True(t, got.CurrentPeriodStart.Equal(at(0)), "item period wins over top-level")
	require.NotNil(t, got.TrialStart)
	assert.Nil(t, got.TrialEnd, "unix zero maps to nil")
	assert.Nil(t, got.EndedAt)
	assert.True(t, got.SourceUpdatedAt.Equal(at(10)))
}

func TestReconcileCheckout_AccountFromSessionMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := proSubscription(billing.StatusActive)
	sub.Metadata = nil
	h.fetcher.set(sub)

	err := h.rec.ReconcileCheckout(ctx, meta("evt_1", billing.EventCheckoutCompleted, 10), billing.CheckoutObject{
		ID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1",
		Metadata: map[string]string{"account_id": "acct_9"},
	})
	require.NoError(t, err)

	got, err := h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_9", got.AccountID)

	acct, err := h.store.GetAccount(ctx, "acct_9")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)
}

func TestReconcileCheckout_NeverOverwritesCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.SetBillingCustomerID(ctx, "acct_1", "cus_original")
	require.NoError(t, err)
	h.fetcher.set(proSubscription(billing.StatusActive))

	require.NoError(t, h.rec.ReconcileCheckout(ctx, meta("evt_1", billing.EventCheckoutCompleted, 10), billing.CheckoutObject{
		ID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1",
	}))

	acct, err := h.store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_original", acct.BillingCustomerID)
}

func TestReconcileCheckout_WithoutSubscriptionIgnored(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("must not be called")

	err := h.router.Route(context.Background(), billing.CheckoutCompleted{
		EventMeta: meta("evt_1", billing.EventCheckoutCompleted, 10),
		Session:   billing.CheckoutObject{ID: "cs_1", Mode: "payment", CustomerID: "cus_1"},
	})
	assert.NoError(t, err)

	subs, _ := h.store.Len()
	assert.Zero(t, subs)
}

func TestReconcileInvoice_ProviderRejectionDropped(t *testing.T) {
	h := newHarness(t)

	err := h.router.Route(context.Background(), billing.InvoicePaymentSucceeded{
		EventMeta: meta("evt_1", billing.EventInvoicePaymentSucceeded, 10),
		Invoice:   billing.InvoiceObject{ID: "in_1", SubscriptionID: "sub_missing"},
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"dropped"}, h.metrics.outcomes)

	subs, invs := h.store.Len()
	assert.Zero(t, subs)
	assert.Zero(t, invs)
}

func TestReconcileInvoice_ProviderOutageRetried(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = fmt.Errorf("timeout: %w", billing.ErrProviderUnavailable)

	err := h.router.Route(context.Background(), billing.InvoicePaymentSucceeded{
		EventMeta: meta("evt_1", billing.EventInvoicePaymentSucceeded, 10),
		Invoice:   billing.InvoiceObject{ID: "in_1", SubscriptionID: "sub_1"},
	})
	assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	assert.Equal(t, []string{"retry"}, h.metrics.outcomes)
}

func TestReconcileInvoice_WithoutSubscriptionIgnored(t *testing.T) {
	h := newHarness(t)

	err := h.router.Route(context.Background(), billing.InvoicePaymentSucceeded{
		EventMeta: meta("evt_1", billing.EventInvoicePaymentSucceeded, 10),
		Invoice:   billing.InvoiceObject{ID: "in_oneoff"},
	})
	assert.NoError(t, err)

	_, invs := h.store.Len()
	assert.Zero(t, invs)
}

type unavailableStore struct {
	*memory.Store
}

func (unavailableStore) UpsertSubscription(context.Context, *billing.Subscription) (bool, error) {
	return false, billing.ErrStoreUnavailable
}

func TestRouter_StoreOutageRetried(t *testing.T) {
	metrics := &recordingMetrics{}
	rec, err := reconcile.NewReconciler(reconcile.Config{
		Store:   unavailableStore{memory.New()},
		Fetcher: &fakeFetcher{},
	})
	require.NoError(t, err)
	router := reconcile.NewRouter(rec, nil, metrics)

	err = router.Route(context.Background(), billing.SubscriptionChanged{
		EventMeta:    meta("evt_1", billing.EventSubscriptionUpdated, 10),
		Subscription: proSubscription(billing.StatusActive),
	})
	assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
	assert.Equal(t, []string{"retry"}, metrics.outcomes)
}

func TestRouter_Unrecognized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.router.Route(ctx, billing.Unrecognized{EventMeta: meta("evt_1", "customer.created", 10)})
	assert.NoError(t, err)

	// known type with an undecodable payload is dropped, not retried
	err = h.router.Route(ctx, billing.Unrecognized{
		EventMeta: meta("evt_2", billing.EventSubscriptionUpdated, 10),
		DecodeErr: errors.New("unexpected end of JSON input"),
	})
	assert.NoError(t, err)

	assert.Equal(t, []string{"ignored", "dropped"}, h.metrics.outcomes)
	subs, _ := h.store.Len()
	assert.Zero(t, subs)
}

type fakeCustomers struct {
	calls   atomic.Int32
	keys    sync.Map
	before  func()
	nextID  func(n int32) string
	failure error
}

func (f *fakeCustomers) CreateCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	n := f.calls.Add(1)
	f.keys.Store(req.IdempotencyKey, req.AccountID)
	if f.before != nil {
		f.before()
	}
	// like the real client, a canceled request fails
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.failure != nil {
		return "", f.failure
	}
	if f.nextID != nil {
		return f.nextID(n), nil
	}
	return fmt.Sprintf("cus_%d", n), nil
}

func TestLinker_ReturnsExistingWithoutProviderCall(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.SetBillingCustomerID(ctx, "acct_1", "cus_existing")
	require.NoError(t, err)

	customers := &fakeCustomers{}
	linker := reconcile.NewLinker(store, customers, nil, nil)

	id, err := linker.GetOrCreateCustomer(ctx, "acct_1", "u@example.com", "U")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.Zero(t, customers.calls.Load())
}

func TestLinker_CreatesWithIdempotencyKey(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.EnsureAccount(ctx, &billing.Account{ID: "acct_1", Email: "u@example.com"}))

	metrics := &recordingMetrics{}
	customers := &fakeCustomers{}
	linker := reconcile.NewLinker(store, customers, nil, metrics)

	id, err := linker.GetOrCreateCustomer(ctx, "acct_1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)

	owner, ok := customers.keys.Load("billsync-customer-acct_1")
	require.True(t, ok)
	assert.Equal(t, "acct_1", owner)

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)
	assert.Equal(t, []string{"created"}, metrics.links)
}

func TestLinker_ConcurrentCallersConverge(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	release := make(chan struct{})
	customers := &fakeCustomers{before: func() { <-release }}
	linker := reconcile.NewLinker(store, customers, nil, nil)

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := linker.GetOrCreateCustomer(ctx, "acct_1", "u@example.com", "")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, acct.BillingCustomerID, id)
	}
}

func TestLinker_LosingRaceAdoptsWinner(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	metrics := &recordingMetrics{}
	customers := &fakeCustomers{
		// another process links its customer while ours is being created
		before: func() {
			_, _ = store.SetBillingCustomerID(ctx, "acct_1", "cus_winner")
		},
		nextID: func(int32) string { return "cus_loser" },
	}
	linker := reconcile.NewLinker(store, customers, nil, metrics)

	id, err := linker.GetOrCreateCustomer(ctx, "acct_1", "u@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", id)
	assert.Equal(t, []string{"race_lost"}, metrics.links)
}

func TestLinker_ProviderFailure(t *testing.T) {
	store := memory.New()
	customers := &fakeCustomers{failure: billing.ErrProviderUnavailable}
	linker := reconcile.NewLinker(store, customers, nil, nil)

	_, err := linker.GetOrCreateCustomer(context.Background(), "acct_1", "u@example.com", "")
	assert.ErrorIs(t, err, billing.ErrProviderUnavailable)

	_, err = store.GetAccount(context.Background(), "acct_1")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

func TestLinker_CanceledCallerDoesNotFailWaiters(t *testing.T) {
	store := memory.New()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	customers := &fakeCustomers{before: func() {
		once.Do(func() { close(started) })
		<-release
	}}
	linker := reconcile.NewLinker(store, customers, nil, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := linker.GetOrCreateCustomer(firstCtx, "acct_1", "u@example.com", "")
		firstErr <- err
	}()
	<-started

	type result struct {
		id  string
		err error
	}
	second := make(chan result, 1)
	go func() {
		id, err := linker.GetOrCreateCustomer(context.Background(), "acct_1", "u@example.com", "")
		second <- result{id, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	// the second caller joins the creation still in flight
	time.Sleep(50 * time.Millisecond)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "cus_1", res.id)
	assert.Equal(t, int32(1), customers.calls.Load())

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)
}
