package billing

import "time"

// Provider event type names handled by the pipeline.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// EventMeta is carried by every verified event.
type EventMeta struct {
	// ID is the provider event id (evt_...)
	ID string

	// Type is the raw provider event type string
	Type string

	// CreatedAt is when the provider generated the event
	CreatedAt time.Time
}

// Event is a verified inbound provider event. The set of implementations is
// closed: CheckoutCompleted, SubscriptionChanged, SubscriptionDeleted,
// InvoicePaymentSucceeded, InvoicePaymentFailed and Unrecognized.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// CheckoutCompleted is emitted when a hosted checkout finishes.
type CheckoutCompleted struct {
	EventMeta
	Session CheckoutObject
}

// SubscriptionChanged covers both subscription creation and update.
type SubscriptionChanged struct {
	EventMeta
	Subscription SubscriptionObject
}

// SubscriptionDeleted is emitted when a subscription ends for good.
type SubscriptionDeleted struct {
	EventMeta
	Subscription SubscriptionObject
}

// InvoicePaymentSucceeded is emitted after a successful charge.
type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice InvoiceObject
}

// InvoicePaymentFailed is emitted after a failed charge attempt.
type InvoicePaymentFailed struct {
	EventMeta
	Invoice InvoiceObject
}

// Unrecognized is any event type the pipeline does not handle. DecodeErr is
// set when the type is known but the payload could not be decoded.
type Unrecognized struct {
	EventMeta
	DecodeErr error
}

func (e EventMeta) Meta() EventMeta { return e }

func (CheckoutCompleted) isEvent()       {}
func (SubscriptionChanged) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (Unrecognized) isEvent()            {}

// SubscriptionItem is the part of a subscription line item the reconciler reads.
type SubscriptionItem struct {
	PriceID            string
	ProductID          string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// SubscriptionObject is the provider subscription as read by the reconciler.
// Zero times stand for fields the provider left unset.
type SubscriptionObject struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	Metadata           map[string]string
	Items              []SubscriptionItem
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Created            time.Time
	EndedAt            time.Time
	CanceledAt         time.Time
	TrialStart         time.Time
	TrialEnd           time.Time
}

// CheckoutObject is the slim checkout session payload.
type CheckoutObject struct {
	ID                string
	Mode              string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// InvoiceObject is the invoice payload as read by the reconciler.
type InvoiceObject struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	Total          int64
	Subtotal       int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Created        time.Time
	FailureMessage string
}
