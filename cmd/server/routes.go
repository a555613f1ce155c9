package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/internal/httputil"
	httpmw "github.com/mihaimyh/billsync/middleware/http"
	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/entitlement"
	"github.com/mihaimyh/billsync/pkg/billing/reconcile"
	"github.com/mihaimyh/billsync/pkg/billing/stripe"
	"github.com/mihaimyh/billsync/pkg/config"
	"github.com/mihaimyh/billsync/pkg/identity/jwt"
	"github.com/mihaimyh/billsync/pkg/session"
)

const readyTimeout = 2 * time.Second

type routerDeps struct {
	cfg      *config.Config
	backend  *backend
	logger   billing.Logger
	zlog     zerolog.Logger
	metrics  billing.Metrics
	registry *prometheus.Registry
}

func newRouter(d routerDeps) (http.Handler, error) {
	cfg, store := d.cfg, d.backend.store
	catalog := cfg.Catalog()

	provider, err := stripe.NewProvider(stripe.Config{
		APIKey:             cfg.StripeSecretKey,
		MetadataAccountKey: cfg.MetadataAccountKey,
		Metrics:            d.metrics,
	})
	if err != nil {
		return nil, err
	}

	linker := reconcile.NewLinker(store, provider, d.logger, d.metrics)
	reconciler, err := reconcile.NewReconciler(reconcile.Config{
		Store:              store,
		Fetcher:            provider,
		Linker:             linker,
		MetadataAccountKey: cfg.MetadataAccountKey,
		Logger:             d.logger,
		Metrics:            d.metrics,
	})
	if err != nil {
		return nil, err
	}
	webhook, err := stripe.NewWebhookHandler(stripe.WebhookConfig{
		Verifier: stripe.NewVerifier(cfg.StripeWebhookKey, stripe.VerifierOptions{
			Tolerance:                cfg.WebhookTolerance,
			IgnoreAPIVersionMismatch: cfg.StripeIgnoreAPIVersionMismatch,
		}),
		Dispatcher:       reconcile.NewRouter(reconciler, d.logger, d.metrics),
		RateLimit:        cfg.WebhookRateLimit,
		RateLimitWindow:  cfg.WebhookRateWindow,
		DisableRateLimit: cfg.WebhookRateLimit == 0,
		TrustProxy:       cfg.TrustProxy,
		Logger:           d.logger,
		Metrics:          d.metrics,
	})
	if err != nil {
		return nil, err
	}

	idp, err := jwt.New(jwt.Config{
		IssuerKey:  []byte(cfg.IdentityIssuerKey),
		SessionKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.IdentityIssuer,
	})
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(session.Config{
		Identity:   idp,
		Accounts:   store,
		CookieName: cfg.SessionCookieName,
		TTL:        cfg.SessionTTL,
		Secure:     cfg.Production(),
		Logger:     d.logger,
	})
	if err != nil {
		return nil, err
	}

	projector := entitlement.NewProjector(store, catalog, d.metrics)
	billingAPI, err := api.NewHandler(api.Config{
		Accounts:  store,
		Customers: linker,
		Checkout:  provider,
		Projector: projector,
		Catalog:   catalog,
		AppURL:    cfg.AppURL,
		Logger:    d.logger,
	})
	if err != nil {
		return nil, err
	}
	gate := httpmw.Config{
		Sessions:  sessions,
		Projector: projector,
	}
	requireSession := httpmw.RequireSession(gate)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(d.zlog))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(d.backend, d.logger))
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Handle("/webhooks/stripe", webhook)
		r.Handle("/auth/session", sessions)
		r.Get("/plans", billingAPI.GetPlans)

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Post("/create-checkout-session", billingAPI.CreateCheckoutSession)
			r.Post("/create-portal-session", billingAPI.CreatePortalSession)
			r.Get("/entitlement", billingAPI.GetEntitlement)

			// paid-only area; free accounts get 402
			r.With(httpmw.RequireEntitlement(gate, billing.TierPro)).
				Get("/premium", billingAPI.GetEntitlement)
		})
	})
	return r, nil
}

func readiness(be *backend, logger billing.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := be.Ping(ctx); err != nil {
			logger.Warn("readiness check failed", billing.F("error", err))
			httputil.WriteError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func requestLogger(zlog zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				zlog.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
