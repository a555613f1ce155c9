package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Handler reconciles each event kind. *Reconciler implements it.
type Handler interface {
	ReconcileCheckout(ctx context.Context, meta billing.EventMeta, session billing.CheckoutObject) error
	ReconcileSubscription(ctx context.Context, meta billing.EventMeta, sub billing.SubscriptionObject) error
	ReconcileDeletion(ctx context.Context, meta billing.EventMeta, sub billing.SubscriptionObject) error
	ReconcileInvoice(ctx context.Context, meta billing.EventMeta, inv billing.InvoiceObject) error
}

// Router dispatches verified events and decides which failures the provider
// should redeliver.
type Router struct {
	handler Handler
	logger  billing.Logger
	metrics billing.Metrics
}

// NewRouter creates a router over handler.
func NewRouter(handler Handler, logger billing.Logger, metrics billing.Metrics) *Router {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Router{handler: handler, logger: logger, metrics: metrics}
}

// Route runs the handler for event. It returns nil when the event is handled,
// ignored, or can never succeed; it returns the error only when a
// redelivery could succeed.
func (r *Router) Route(ctx context.Context, event billing.Event) error {
	meta := event.Meta()
	start := time.Now()
	defer func() {
		r.metrics.RecordWebhookProcessingDuration(meta.Type, time.Since(start))
	}()

	var err error
	switch e := event.(type) {
	case billing.CheckoutCompleted:
		err = r.handler.ReconcileCheckout(ctx, meta, e.Session)
	case billing.SubscriptionChanged:
		err = r.handler.ReconcileSubscription(ctx, meta, e.Subscription)
	case billing.SubscriptionDeleted:
		err = r.handler.ReconcileDeletion(ctx, meta, e.Subscription)
	case billing.InvoicePaymentSucceeded:
		err = r.handler.ReconcileInvoice(ctx, meta, e.Invoice)
	case billing.InvoicePaymentFailed:
		err = r.handler.ReconcileInvoice(ctx, meta, e.Invoice)
	case billing.Unrecognized:
		if e.DecodeErr == nil {
			return r.ignore(meta)
		}
		err = fmt.Errorf("%w: %s: %v", billing.ErrMalformedPayload, meta.Type, e.DecodeErr)
	default:
		return r.ignore(meta)
	}

	if err == nil {
		r.metrics.RecordWebhookEvent(meta.Type, "success")
		r.logger.Info("Processed webhook event",
			billing.F("eventId", meta.ID),
			billing.F("eventType", meta.Type),
		)
		return nil
	}

	fields := []billing.Field{
		billing.F("eventId", meta.ID),
		billing.F("eventType", meta.Type),
		billing.F("error", err.Error()),
	}
	if !billing.IsRetryable(err) {
		r.metrics.RecordWebhookEvent(meta.Type, "dropped")
		r.logger.Error("Dropped webhook event", fields...)
		return nil
	}

	r.metrics.RecordWebhookEvent(meta.Type, "retry")
	r.metrics.RecordWebhookError("processing_error")
	r.logger.Error("Failed to process webhook event", fields...)
	return err
}

func (r *Router) ignore(meta billing.EventMeta) error {
	r.metrics.RecordWebhookEvent(meta.Type, "ignored")
	r.logger.Debug("Ignored webhook event",
		billing.F("eventId", meta.ID),
		billing.F("eventType", meta.Type),
	)
	return nil
}
