package billing

import (
	"context"
	"errors"
)

// SubscriptionFetcher reads a subscription back from the payment provider.
// Used to fill in fields that slim event payloads omit.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionObject, error)
}

// CustomerRequest describes a provider customer to create for an account.
type CustomerRequest struct {
	AccountID string
	Email     string
	Name      string

	// IdempotencyKey deduplicates retried creations on the provider side
	IdempotencyKey string
}

// CustomerCreator creates customers on the payment provider.
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
}

// CheckoutRequest describes a hosted checkout for a subscription price.
type CheckoutRequest struct {
	AccountID  string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's hosted checkout.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// Checkout creates hosted checkout and self-service portal sessions.
type Checkout interface {
	CheckoutURL(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
