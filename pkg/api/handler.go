// Package api serves the authenticated billing endpoints used by the front end.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mihaimyh/billsync/internal/httputil"
	"github.com/mihaimyh/billsync/pkg/billing"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 16 * 1024
)

// Handler provides the checkout, portal, entitlement and plan endpoints
type Handler struct {
	config Config
}

// Routes mounts the endpoints on a new mux. Paths are relative to /api.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/create-checkout-session", h.CreateCheckoutSession)
	mux.HandleFunc("/create-portal-session", h.CreatePortalSession)
	mux.HandleFunc("/entitlement", h.GetEntitlement)
	mux.HandleFunc("/plans", h.GetPlans)
	return mux
}

// CreateCheckoutSession starts a hosted checkout for a catalog price.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := httputil.DecodeJSON(w, r, maxRequestBody, &req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PriceID) == "" {
		h.handleError(w, r, fmt.Errorf("priceId is required"), http.StatusBadRequest)
		return
	}
	if _, ok := h.config.Catalog.PlanForPrice(req.PriceID); !ok {
		h.handleError(w, r, billing.ErrUnknownPrice, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var email, name string
	acct, err := h.config.Accounts.GetAccount(ctx, accountID)
	switch {
	case err == nil:
		email, name = acct.Email, acct.DisplayName
	case errors.Is(err, billing.ErrAccountNotFound):
	default:
		h.internalError(w, r, "Failed to read account", accountID, err)
		return
	}

	customerID, err := h.config.Customers.GetOrCreateCustomer(ctx, accountID, email, name)
	if err != nil {
		h.providerError(w, r, "Failed to resolve billing customer", accountID, err)
		return
	}

	base := h.baseURL(req.ReturnURL)
	session, err := h.config.Checkout.CheckoutURL(ctx, billing.CheckoutRequest{
		AccountID:  accountID,
		CustomerID: customerID,
		PriceID:    req.PriceID,
		SuccessURL: base + "/dashboard/billing?success=true",
		CancelURL:  base + "/pricing?canceled=true",
	})
	if err != nil {
		h.providerError(w, r, "Failed to create checkout session", accountID, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, session)
}

// CreatePortalSession opens the provider's self-service billing portal.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	acct, err := h.config.Accounts.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, billing.ErrAccountNotFound) {
		h.internalError(w, r, "Failed to read account", accountID, err)
		return
	}
	if acct == nil || acct.BillingCustomerID == "" {
		h.handleError(w, r, billing.ErrCustomerNotFound, http.StatusNotFound)
		return
	}

	portalURL, err := h.config.Checkout.PortalURL(ctx, acct.BillingCustomerID, h.config.AppURL+"/dashboard/billing")
	if err != nil {
		h.providerError(w, r, "Failed to create portal session", accountID, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, PortalResponse{URL: portalURL})
}

// GetEntitlement returns the caller's current entitlement.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	ent, err := h.config.Projector.Project(r.Context(), accountID)
	if err != nil {
		h.internalError(w, r, "Failed to project entitlement", accountID, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, ent)
}

// GetPlans returns the plan catalog. It needs no session.
func (h *Handler) GetPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	plans := h.config.Catalog.Plans()
	if plans == nil {
		plans = []billing.Plan{}
	}
	_ = httputil.WriteJSON(w, http.StatusOK, PlansResponse{Plans: plans})
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := h.config.GetAccountID(r)
	if id == "" {
		h.handleError(w, r, fmt.Errorf("unauthorized"), http.StatusUnauthorized)
		return "", false
	}
	if len(id) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid account id"), http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// baseURL returns returnURL without query or fragment when it shares the
// app's origin, and the app URL otherwise. Checkout never redirects off-site.
func (h *Handler) baseURL(returnURL string) string {
	if returnURL == "" {
		return h.config.AppURL
	}
	app, err := url.Parse(h.config.AppURL)
	if err != nil {
		return h.config.AppURL
	}
	u, err := url.Parse(returnURL)
	if err != nil || u.Scheme != app.Scheme || u.Host != app.Host {
		return h.config.AppURL
	}
	return u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
}

func (h *Handler) providerError(w http.ResponseWriter, r *http.Request, msg, accountID string, err error) {
	if errors.Is(err, billing.ErrProviderRejected) || errors.Is(err, billing.ErrProviderUnavailable) {
		h.config.Logger.Error(msg,
			billing.F("accountId", accountID),
			billing.F("error", err.Error()),
		)
		h.handleError(w, r, fmt.Errorf("payment provider error"), http.StatusBadGateway)
		return
	}
	h.internalError(w, r, msg, accountID, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg, accountID string, err error) {
	h.config.Logger.Error(msg,
		billing.F("accountId", accountID),
		billing.F("error", err.Error()),
	)
	h.handleError(w, r, fmt.Errorf("internal server error"), http.StatusInternalServerError)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	httputil.WriteError(w, statusCode, err.Error())
}
