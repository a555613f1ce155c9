// Package session exchanges identity-issuer ID tokens for an HTTP-only
// session cookie and resolves that cookie on later requests.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/internal/httputil"
	"github.com/mihaimyh/billsync/pkg/identity"
)

const (
	// DefaultCookieName is the session cookie name
	DefaultCookieName = "session"

	// DefaultTTL is how long a session cookie stays valid
	DefaultTTL = 14 * 24 * time.Hour

	maxRequestBody = 16 * 1024
)

// ErrNoSession is returned by Authenticate when the request carries no session cookie.
var ErrNoSession = errors.New("no session")

// AccountStore is the part of billing.Store the session endpoints write.
type AccountStore interface {
	EnsureAccount(ctx context.Context, acct *billing.Account) error
}

// Config configures a Manager.
type Config struct {
	Identity identity.Provider
	Accounts AccountStore

	CookieName string
	TTL        time.Duration

	// Secure marks the cookie HTTPS-only; set in production
	Secure bool

	Logger billing.Logger
}

// Manager serves the session endpoint and authenticates requests.
type Manager struct {
	identity   identity.Provider
	accounts   AccountStore
	cookieName string
	ttl        time.Duration
	secure     bool
	logger     billing.Logger
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Identity == nil || cfg.Accounts == nil {
		return nil, errors.New("session: identity provider and account store are required")
	}
	m := &Manager{
		identity:   cfg.Identity,
		accounts:   cfg.Accounts,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
		logger:     cfg.Logger,
	}
	if m.cookieName == "" {
		m.cookieName = DefaultCookieName
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.logger == nil {
		m.logger = &billing.NoopLogger{}
	}
	return m, nil
}

// Authenticate returns the claims of the request's session cookie.
func (m *Manager) Authenticate(r *http.Request) (*identity.Claims, error) {
	c, err := r.Cookie(m.cookieName)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	return m.identity.VerifySessionToken(r.Context(), c.Value)
}

// ServeHTTP handles POST (sign in), GET (status) and DELETE (sign out).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.create(w, r)
	case http.MethodGet:
		m.status(w, r)
	case http.MethodDelete:
		m.destroy(w)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createRequest struct {
	IDToken string `json:"idToken"`
}

func (m *Manager) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httputil.DecodeJSON(w, r, maxRequestBody, &req); err != nil || req.IDToken == "" {
		httputil.WriteError(w, http.StatusBadRequest, "idToken is required")
		return
	}

	token, err := m.identity.CreateSessionToken(r.Context(), req.IDToken, m.ttl)
	if err != nil {
		m.logger.Info("Rejected sign-in token", billing.F("error", err.Error()))
		httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	claims, err := m.identity.VerifySessionToken(r.Context(), token)
	if err != nil {
		m.logger.Error("Minted session token failed verification", billing.F("error", err.Error()))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := m.accounts.EnsureAccount(r.Context(), &billing.Account{
		ID:          claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}); err != nil {
		m.logger.Error("Failed to ensure account",
			billing.F("accountId", claims.Subject),
			billing.F("error", err.Error()),
		)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	http.SetCookie(w, m.cookie(token, int(m.ttl.Seconds())))
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"uid":     claims.Subject,
	})
}

func (m *Manager) status(w http.ResponseWriter, r *http.Request) {
	claims, err := m.Authenticate(r)
	if err != nil {
		_ = httputil.WriteJSON(w, http.StatusUnauthorized, map[string]bool{"authenticated": false})
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"uid":           claims.Subject,
		"email":         claims.Email,
	})
}

func (m *Manager) destroy(w http.ResponseWriter) {
	http.SetCookie(w, m.cookie("", -1))
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
