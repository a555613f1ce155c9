package billing

import "time"

// Metrics defines the interface for tracking the billing pipeline.
// All methods are optional - components substitute NoopMetrics for nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery and how it was settled.
	// outcome: "success", "ignored", "dropped" or "retry"
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to handle a delivery.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection or failure.
	// errorType: e.g. "missing_credentials", "invalid_signature", "payload_too_large", "processing_error"
	RecordWebhookError(errorType string)

	// RecordReconcile records the result of a record write.
	// kind: "subscription" or "invoice"; result: "applied", "stale", "orphan"
	RecordReconcile(kind, result string)

	// RecordCustomerLink records a customer lookup or creation.
	// result: "existing", "created", "race_lost", "error"
	RecordCustomerLink(result string)

	// RecordEntitlement records an entitlement projection by resulting tier.
	RecordEntitlement(tier string)

	// RecordAPICall records an API call to the payment provider.
	// endpoint: e.g. "/subscriptions/retrieve"; status: "success" or "error"
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long a provider API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)

	// RecordCircuitState records a store circuit breaker transition.
	RecordCircuitState(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordReconcile(_, _ string)                               {}
func (n *NoopMetrics) RecordCustomerLink(_ string)                               {}
func (n *NoopMetrics) RecordEntitlement(_ string)                                {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordCircuitState(_ string)                               {}
