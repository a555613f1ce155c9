package api

import "github.com/mihaimyh/billsync/pkg/billing"

// CheckoutRequest is the body of POST /api/create-checkout-session
type CheckoutRequest struct {
	PriceID   string `json:"priceId"`
	ReturnURL string `json:"returnUrl,omitempty"`
}

// PortalResponse is returned by POST /api/create-portal-session
type PortalResponse struct {
	URL string `json:"url"`
}

// PlansResponse is returned by GET /api/plans
type PlansResponse struct {
	Plans []billing.Plan `json:"plans"`
}
