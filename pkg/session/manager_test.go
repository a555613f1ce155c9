package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/identity"
	"github.com/mihaimyh/billsync/storage/memory"
)

// fakeIdentity accepts "id:<sub>" ID tokens and "session:<sub>" session tokens.
type fakeIdentity struct{}

func (fakeIdentity) CreateSessionToken(_ context.Context, idToken string, _ time.Duration) (string, error) {
	sub, ok := strings.CutPrefix(idToken, "id:")
	if !ok || sub == "" {
		return "", identity.ErrInvalidToken
	}
	return "session:" + sub, nil
}

func (fakeIdentity) VerifySessionToken(_ context.Context, token string) (*identity.Claims, error) {
	sub, ok := strings.CutPrefix(token, "session:")
	if !ok || sub == "" {
		return nil, identity.ErrInvalidToken
	}
	return &identity.Claims{Subject: sub, Email: sub + "@example.com", Name: "User " + sub}, nil
}

func newManager(t *testing.T, secure bool) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	m, err := NewManager(Config{Identity: fakeIdentity{}, Accounts: store, Secure: secure})
	require.NoError(t, err)
	return m, store
}

func do(m *Manager, method, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/auth/session", strings.NewReader(body))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestCreateSession(t *testing.T) {
	m, store := newManager(t, true)

	rec := do(m, http.MethodPost, `{"idToken":"id:acct_1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	c := sessionCookie(t, rec)
	assert.Equal(t, "session:acct_1", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, int(DefaultTTL.Seconds()), c.MaxAge)

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1@example.com", acct.Email)
	assert.Equal(t, "User acct_1", acct.DisplayName)
}

func TestCreateSession_KeepsCustomerLink(t *testing.T) {
	m, store := newManager(t, false)
	_, err := store.SetBillingCustomerID(context.Background(), "acct_1", "cus_1")
	require.NoError(t, err)

	rec := do(m, http.MethodPost, `{"idToken":"id:acct_1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sessionCookie(t, rec).Secure)

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.BillingCustomerID)
}

func TestCreateSession_BadRequests(t *testing.T) {
	m, store := newManager(t, false)

	assert.Equal(t, http.StatusBadRequest, do(m, http.MethodPost, `{}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(m, http.MethodPost, `not json`, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(m, http.MethodPost, `{"idToken":"forged"}`, nil).Code)

	_, err := store.GetAccount(context.Background(), "forged")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

func TestSessionStatus(t *testing.T) {
	m, _ := newManager(t, false)

	rec := do(m, http.MethodGet, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())

	rec = do(m, http.MethodGet, "", &http.Cookie{Name: DefaultCookieName, Value: "session:acct_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "acct_1", body["uid"])

	rec = do(m, http.MethodGet, "", &http.Cookie{Name: DefaultCookieName, Value: "tampered"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	m, _ := newManager(t, false)

	rec := do(m, http.MethodDelete, "", &http.Cookie{Name: DefaultCookieName, Value: "session:acct_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	c := sessionCookie(t, rec)
	assert.Empty(t, c.Value)
	assert.Less(t, c.MaxAge, 0)
}

func TestMethodNotAllowed(t *testing.T) {
	m, _ := newManager(t, false)
	assert.Equal(t, http.StatusMethodNotAllowed, do(m, http.MethodPut, "", nil).Code)
}

func TestContextHelpers(t *testing.T) {
	_, ok := AccountIDFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &identity.Claims{Subject: "acct_1"})
	id, ok := AccountIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acct_1", id)
}
