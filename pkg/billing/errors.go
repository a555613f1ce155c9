package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingCredentials is returned when the webhook signature header or secret is absent
	ErrMissingCredentials = errors.New("missing webhook signature or secret")

	// ErrInvalidSignature is returned when webhook signature verification fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrAPIVersionMismatch is returned when a signed event was rendered for an
	// API version the decoder was not built for
	ErrAPIVersionMismatch = errors.New("unsupported webhook API version")

	// ErrMalformedPayload is returned when a verified event carries an unexpected shape
	ErrMalformedPayload = errors.New("malformed event payload")

	// ErrOrphanSubscription is returned when no account can be resolved for a subscription
	ErrOrphanSubscription = errors.New("subscription has no resolvable account")

	// ErrAccountNotFound is returned when an account does not exist in the store
	ErrAccountNotFound = errors.New("account not found")

	// ErrSubscriptionNotFound is returned when a subscription does not exist in the store
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvoiceNotFound is returned when an invoice does not exist in the store
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrCustomerNotFound is returned when an account has no billing customer yet
	ErrCustomerNotFound = errors.New("billing customer not found")

	// ErrUnknownPrice is returned when a checkout names a price outside the catalog
	ErrUnknownPrice = errors.New("price not in plan catalog")

	// ErrStoreUnavailable is returned when the document store cannot serve a request
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCircuitOpen is returned when the store circuit breaker is rejecting calls
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrProviderUnavailable is returned when the provider API times out or fails server-side
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderRejected is returned when the provider refuses a request in a way retries cannot fix
	ErrProviderRejected = errors.New("billing provider rejected request")
)

// IsVerificationError reports whether err came from webhook authentication
// or from the API version check that follows it.
func IsVerificationError(err error) bool {
	return errorsIsAny(err, ErrMissingCredentials, ErrInvalidSignature, ErrAPIVersionMismatch)
}

// IsDataError reports whether err describes an event the system can never
// process successfully, no matter how often it is redelivered.
func IsDataError(err error) bool {
	return errors.Is(err, ErrOrphanSubscription) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrProviderRejected)
}

// IsRetryable reports whether the provider should redeliver the event that
// produced err. Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsVerificationError(err) && !IsDataError(err)
}
