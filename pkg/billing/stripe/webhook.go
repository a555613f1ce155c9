package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/internal/httputil"
)

const (
	maxWebhookBody           = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 1000
)

// Dispatcher settles a verified event. A nil return acknowledges it; an
// error asks Stripe to redeliver.
type Dispatcher interface {
	Route(ctx context.Context, event billing.Event) error
}

// WebhookConfig configures the webhook endpoint.
type WebhookConfig struct {
	Verifier   *Verifier
	Dispatcher Dispatcher

	// RateLimit is the per-client request budget per RateLimitWindow.
	// Zero means the default; DisableRateLimit turns the limiter off.
	RateLimit        int
	RateLimitWindow  time.Duration
	DisableRateLimit bool
	TrustProxy       bool

	Logger  billing.Logger
	Metrics billing.Metrics
}

type webhookHandler struct {
	verifier   *Verifier
	dispatcher Dispatcher
	logger     billing.Logger
	metrics    billing.Metrics
}

// NewWebhookHandler returns the rate-limited Stripe webhook endpoint.
func NewWebhookHandler(cfg WebhookConfig) (http.Handler, error) {
	if cfg.Verifier == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: verifier and dispatcher are required", billing.ErrProviderNotConfigured)
	}
	h := &webhookHandler{
		verifier:   cfg.Verifier,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if h.logger == nil {
		h.logger = &billing.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &billing.NoopMetrics{}
	}

	if cfg.DisableRateLimit {
		return h, nil
	}

	limit, window := cfg.RateLimit, cfg.RateLimitWindow
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	limiter := httputil.NewRateLimiter(limit, window, cfg.TrustProxy)
	return limiter.Middleware(h), nil
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := httputil.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError("payload_too_large")
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.metrics.RecordWebhookError("invalid_payload")
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		errType, msg := "invalid_signature", billing.ErrInvalidSignature.Error()
		switch {
		case errors.Is(err, billing.ErrMissingCredentials):
			errType, msg = "missing_credentials", billing.ErrMissingCredentials.Error()
		case errors.Is(err, billing.ErrAPIVersionMismatch):
			errType, msg = "api_version_mismatch", billing.ErrAPIVersionMismatch.Error()
		case errors.Is(err, billing.ErrMalformedPayload):
			errType, msg = "invalid_payload", "invalid payload"
		}
		h.metrics.RecordWebhookError(errType)
		h.logger.Warn("Rejected webhook delivery",
			billing.F("reason", errType),
			billing.F("error", err.Error()),
		)
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.dispatcher.Route(r.Context(), event); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}
