package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// decodeEvent maps a verified Stripe event onto the billing event union.
func decodeEvent(event stripe.Event) billing.Event {
	meta := billing.EventMeta{
		ID:        event.ID,
		Type:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch meta.Type {
	case billing.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := unmarshal(raw, &session); err != nil {
			return billing.Unrecognized{EventMeta: meta, DecodeErr: err}
		}
		return billing.CheckoutCompleted{EventMeta: meta, Session: checkoutObject(&session)}

	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		sub, err := decodeSubscription(raw)
		if err != nil {
			return billing.Unrecognized{EventMeta: meta, DecodeErr: err}
		}
		if meta.Type == billing.EventSubscriptionDeleted {
			return billing.SubscriptionDeleted{EventMeta: meta, Subscription: sub}
		}
		return billing.SubscriptionChanged{EventMeta: meta, Subscription: sub}

	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var inv invoicePayload
		if err := unmarshal(raw, &inv); err != nil {
			return billing.Unrecognized{EventMeta: meta, DecodeErr: err}
		}
		if meta.Type == billing.EventInvoicePaymentFailed {
			return billing.InvoicePaymentFailed{EventMeta: meta, Invoice: inv.object()}
		}
		return billing.InvoicePaymentSucceeded{EventMeta: meta, Invoice: inv.object()}
	}

	return billing.Unrecognized{EventMeta: meta}
}

func unmarshal(raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("event has no data object")
	}
	return json.Unmarshal(raw, v)
}

// periods holds the legacy top-level billing period, which newer API
// versions only report per item.
type periods struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

func decodeSubscription(raw json.RawMessage) (billing.SubscriptionObject, error) {
	var sub stripe.Subscription
	if err := unmarshal(raw, &sub); err != nil {
		return billing.SubscriptionObject{}, err
	}
	if sub.ID == "" {
		return billing.SubscriptionObject{}, fmt.Errorf("subscription object has no id")
	}
	var top periods
	_ = json.Unmarshal(raw, &top)
	return subscriptionObject(&sub, top), nil
}

func subscriptionObject(sub *stripe.Subscription, top periods) billing.SubscriptionObject {
	obj := billing.SubscriptionObject{
		ID:                 sub.ID,
		Status:             billing.SubscriptionStatus(sub.Status),
		Metadata:           sub.Metadata,
		CurrentPeriodStart: unix(top.CurrentPeriodStart),
		CurrentPeriodEnd:   unix(top.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Created:            unix(sub.Created),
		EndedAt:            unix(sub.EndedAt),
		CanceledAt:         unix(sub.CanceledAt),
		TrialStart:         unix(sub.TrialStart),
		TrialEnd:           unix(sub.TrialEnd),
	}
	if sub.Customer != nil {
		obj.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			si := billing.SubscriptionItem{
				CurrentPeriodStart: unix(item.CurrentPeriodStart),
				CurrentPeriodEnd:   unix(item.CurrentPeriodEnd),
			}
			if item.Price != nil {
				si.PriceID = item.Price.ID
				if item.Price.Product != nil {
					si.ProductID = item.Price.Product.ID
				}
			}
			obj.Items = append(obj.Items, si)
		}
	}
	return obj
}

func checkoutObject(s *stripe.CheckoutSession) billing.CheckoutObject {
	obj := billing.CheckoutObject{
		ID:                s.ID,
		Mode:              string(s.Mode),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		obj.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		obj.SubscriptionID = s.Subscription.ID
	}
	return obj
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type errorMessage struct {
	Message string `json:"message"`
}

// invoicePayload covers both the legacy top-level subscription reference and
// the parent.subscription_details form used by newer API versions.
type invoicePayload struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Status                string        `json:"status"`
	Total                 int64         `json:"total"`
	Subtotal              int64         `json:"subtotal"`
	Currency              string        `json:"currency"`
	PeriodStart           int64         `json:"period_start"`
	PeriodEnd             int64         `json:"period_end"`
	Created               int64         `json:"created"`
	LastPaymentError      *errorMessage `json:"last_payment_error"`
	LastFinalizationError *errorMessage `json:"last_finalization_error"`
}

func (p invoicePayload) object() billing.InvoiceObject {
	subID := string(p.Subscription)
	if subID == "" && p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		subID = string(p.Parent.SubscriptionDetails.Subscription)
	}

	var failure string
	switch {
	case p.LastPaymentError != nil && p.LastPaymentError.Message != "":
		failure = p.LastPaymentError.Message
	case p.LastFinalizationError != nil:
		failure = p.LastFinalizationError.Message
	}

	return billing.InvoiceObject{
		ID:             p.ID,
		CustomerID:     string(p.Customer),
		SubscriptionID: subID,
		Status:         p.Status,
		Total:          p.Total,
		Subtotal:       p.Subtotal,
		Currency:       p.Currency,
		PeriodStart:    unix(p.PeriodStart),
		PeriodEnd:      unix(p.PeriodEnd),
		Created:        unix(p.Created),
		FailureMessage: failure,
	}
}

// unix maps Stripe's zero timestamp to the zero time.
func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
