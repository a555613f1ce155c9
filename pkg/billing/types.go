package billing

import "time"

// SubscriptionStatus is the provider-reported lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
)

// ActiveLike reports whether the status grants access to paid features.
func (s SubscriptionStatus) ActiveLike() bool {
	return s == StatusActive || s == StatusTrialing
}

// Account is the local identity. BillingCustomerID is the only field
// written by the billing pipeline.
type Account struct {
	ID                string    `json:"id" firestore:"id"`
	Email             string    `json:"email" firestore:"email"`
	DisplayName       string    `json:"displayName,omitempty" firestore:"displayName"`
	BillingCustomerID string    `json:"billingCustomerId,omitempty" firestore:"billingCustomerId"`
	CreatedAt         time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Subscription is the reconciled local projection of a provider subscription.
// ID equals the provider subscription id.
type Subscription struct {
	ID                 string             `json:"id" firestore:"id"`
	AccountID          string             `json:"accountId" firestore:"accountId"`
	Status             SubscriptionStatus `json:"status" firestore:"status"`
	PriceID            string             `json:"priceId" firestore:"priceId"`
	ProductID          string             `json:"productId" firestore:"productId"`
	CurrentPeriodStart time.Time          `json:"currentPeriodStart" firestore:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time          `json:"currentPeriodEnd" firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool               `json:"cancelAtPeriodEnd" firestore:"cancelAtPeriodEnd"`
	CreatedAt          time.Time          `json:"createdAt" firestore:"createdAt"`
	EndedAt            *time.Time         `json:"endedAt" firestore:"endedAt"`
	CanceledAt         *time.Time         `json:"canceledAt" firestore:"canceledAt"`
	TrialStart         *time.Time         `json:"trialStart" firestore:"trialStart"`
	TrialEnd           *time.Time         `json:"trialEnd" firestore:"trialEnd"`
	CustomerID         string             `json:"customerId" firestore:"customerId"`

	// SourceUpdatedAt is the provider event time of the write that produced
	// this record. Writes carrying an earlier time are discarded.
	SourceUpdatedAt time.Time `json:"sourceUpdatedAt" firestore:"sourceUpdatedAt"`
}

// Invoice is the projection of a payment attempt tied to a subscription.
type Invoice struct {
	ID              string     `json:"id" firestore:"id"`
	CustomerID      string     `json:"customerId" firestore:"customerId"`
	SubscriptionID  string     `json:"subscriptionId" firestore:"subscriptionId"`
	Status          string     `json:"status" firestore:"status"`
	Total           int64      `json:"total" firestore:"total"`
	Subtotal        int64      `json:"subtotal" firestore:"subtotal"`
	Currency        string     `json:"currency" firestore:"currency"`
	PeriodStart     *time.Time `json:"periodStart" firestore:"periodStart"`
	PeriodEnd       *time.Time `json:"periodEnd" firestore:"periodEnd"`
	CreatedAt       time.Time  `json:"createdAt" firestore:"createdAt"`
	FailureMessage  string     `json:"failureMessage,omitempty" firestore:"failureMessage"`
	SourceUpdatedAt time.Time  `json:"sourceUpdatedAt" firestore:"sourceUpdatedAt"`
}

// Supersedes reports whether a write stamped with incoming may replace a
// record stamped with stored. Equal stamps are applied so that redelivery of
// the same event rewrites identical content.
func Supersedes(incoming, stored time.Time) bool {
	return !incoming.Before(stored)
}

// Clone returns a deep copy of the record.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.EndedAt = cloneTime(s.EndedAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	return &c
}

// Clone returns a deep copy of the record.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	c.PeriodStart = cloneTime(i.PeriodStart)
	c.PeriodEnd = cloneTime(i.PeriodEnd)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
