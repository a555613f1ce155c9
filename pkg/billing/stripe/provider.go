// Package stripe adapts the Stripe API and webhooks to the billing pipeline.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const defaultMetadataAccountKey = "account_id"

// Config configures the Stripe provider.
type Config struct {
	APIKey string

	// MetadataAccountKey is the metadata key carrying the local account id
	MetadataAccountKey string

	// Backends overrides the Stripe API backends, for tests.
	Backends *stripe.Backends

	Metrics billing.Metrics
}

// Provider calls the Stripe API on behalf of the pipeline and the API endpoints.
// It implements billing.SubscriptionFetcher, billing.CustomerCreator and billing.Checkout.
type Provider struct {
	client     *stripe.Client
	accountKey string
	metrics    billing.Metrics
}

// NewProvider creates a provider with its own Stripe client. No package-level
// SDK state is touched.
func NewProvider(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	var opts []stripe.ClientOption
	if cfg.Backends != nil {
		opts = append(opts, stripe.WithBackends(cfg.Backends))
	}

	p := &Provider{
		client:     stripe.NewClient(apiKey, opts...),
		accountKey: cfg.MetadataAccountKey,
		metrics:    cfg.Metrics,
	}
	if p.accountKey == "" {
		p.accountKey = defaultMetadataAccountKey
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	return p, nil
}

// FetchSubscription implements billing.SubscriptionFetcher.
func (p *Provider) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionObject, error) {
	start := time.Now()
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.observe("/subscriptions/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, mapError(err))
	}
	obj := subscriptionObject(sub, periods{})
	return &obj, nil
}

// CreateCustomer implements billing.CustomerCreator.
func (p *Provider) CreateCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	params := &stripe.CustomerCreateParams{}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.AddMetadata(p.accountKey, req.AccountID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	start := time.Now()
	cust, err := p.client.V1Customers.Create(ctx, params)
	p.observe("/customers/create", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", mapError(err))
	}
	return cust.ID, nil
}

// CheckoutURL implements billing.Checkout. The session runs in subscription
// mode and stamps the account id on the subscription it creates.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode:                stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes:  stripe.StringSlice([]string{"card"}),
		AllowPromotionCodes: stripe.Bool(true),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.AccountID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.AddMetadata(p.accountKey, req.AccountID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(p.accountKey, req.AccountID)

	start := time.Now()
	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.observe("/checkout/sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", mapError(err))
	}
	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// PortalURL implements billing.Checkout.
func (p *Provider) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", billing.ErrCustomerNotFound
	}
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	start := time.Now()
	session, err := p.client.V1BillingPortalSessions.Create(ctx, params)
	p.observe("/billing_portal/sessions", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", mapError(err))
	}
	return session.URL, nil
}

func (p *Provider) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(endpoint, status)
	p.metrics.RecordAPICallDuration(endpoint, time.Since(start))
}

// mapError classifies a Stripe API failure. Client errors other than rate
// limiting will fail the same way on retry.
func mapError(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		code := serr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", billing.ErrProviderRejected, serr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
}
