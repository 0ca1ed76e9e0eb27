package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dhoini/travel-entitlements/config"
	"github.com/Dhoini/travel-entitlements/internal/api/rest/middleware"
	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/internal/repository"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/Dhoini/travel-entitlements/internal/usage"
	"github.com/Dhoini/travel-entitlements/internal/webhook"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "whsec_router"
	testJWTSecret     = "jwt_router"
)

type discardNotifier struct{}

func (discardNotifier) Dispatch(*domain.Notification)  {}
func (discardNotifier) RequestReminder(*domain.Reminder) {}

type testServer struct {
	router *gin.Engine
	store  *repository.MemoryStore
	signer *webhook.HMACVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewTest(t)
	registry := prometheus.NewRegistry()
	m := metrics.NewEntitlementMetrics(registry, log)
	store := repository.NewMemoryStore()

	verifiers, err := webhook.NewRegistry(map[string]config.WebhookProviderConfig{
		"kiwify": {Mode: config.ModeHMAC, Header: "X-Kiwify-Signature", Secret: testWebhookSecret, Algorithm: "sha256"},
	})
	require.NoError(t, err)
	signer, err := webhook.NewHMACVerifier("kiwify", "X-Kiwify-Signature", testWebhookSecret, "sha256")
	require.NoError(t, err)

	webhooks := service.NewWebhookService(verifiers, webhook.NewDecoder(), store, nil, discardNotifier{}, m,
		service.WebhookOptions{SubscriptionDays: 30, ReminderLeadDays: 5}, log, nil)
	gate := service.NewAccessGate(store, usage.NewCounter(usage.NewMemoryCounter(3)), nil, m, log, nil)
	auth := middleware.NewAuthenticator(&middleware.HMACTokenValidator{Secret: []byte(testJWTSecret)}, store, log)

	router := SetupRouter(log, RouterDeps{
		Webhooks:      webhooks,
		Gate:          gate,
		Subscriptions: service.NewSubscriptionService(store, nil, nil, log, nil),
		Authenticator: auth,
		Registry:      registry,
		HTTPMetrics:   metrics.NewHTTPMetrics(registry),
		MaxBodyBytes:  1 << 10,
		Storage:       "memory",
	})
	return &testServer{router: router, store: store, signer: signer}
}

func (s *testServer) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func (s *testServer) webhook(provider string, body []byte, signed bool) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/webhook/"+provider, bytes.NewReader(body))
	if signed {
		r.Header.Set("X-Kiwify-Signature", s.signer.Sign(body))
	}
	return s.do(r)
}

func paidPayload(id, email string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"event":"order.paid","data":{"customer":{"email":%q},"subscription_id":"sub_%s","amount":4990}}`, id, email, id))
}

func bearer(t *testing.T, accountID int64) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(accountID),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestWebhookRoute_StatusCodes(t *testing.T) {
	s := newTestServer(t)
	body := paidPayload("evt_1", "route@example.com")

	tests := []struct {
		name     string
		provider string
		body     []byte
		signed   bool
		want     int
	}{
		{name: "applied", provider: "kiwify", body: body, signed: true, want: http.StatusOK},
		{name: "redelivery", provider: "kiwify", body: body, signed: true, want: http.StatusOK},
		{name: "unsigned", provider: "kiwify", body: body, signed: false, want: http.StatusUnauthorized},
		{name: "unknown provider", provider: "paypal", body: body, signed: true, want: http.StatusNotFound},
		{name: "malformed", provider: "kiwify", body: []byte(`[1,2`), signed: true, want: http.StatusBadRequest},
		{name: "too large", provider: "kiwify", body: bytes.Repeat([]byte("a"), 2<<10), signed: true, want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.webhook(tt.provider, tt.body, tt.signed)
			assert.Equal(t, tt.want, w.Code)
			assert.NotContains(t, w.Body.String(), "route@example.com", "responses never echo account data")
		})
	}

	assert.Len(t, s.store.BillingEvents(), 1)
}

func TestFeatureRoute_AnonymousTrial(t *testing.T) {
	s := newTestServer(t)

	call := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/feature/roteiro", strings.NewReader(`{"message":"Lisbon"}`))
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		return s.do(r)
	}

	for i := 0; i < 3; i++ {
		w := call()
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"source":"free_trial"`)
	}

	w := call()
	require.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "login_required", body["error"])

	r := httptest.NewRequest(http.MethodGet, "/api/check_usage", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	w = s.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uses_remaining":0,"requires_login":true}`, w.Body.String())

	for _, rec := range s.store.UsageRecords() {
		assert.Equal(t, "roteiro", rec.Feature)
		assert.Equal(t, "ip:203.0.113.9", rec.IdentityKey)
	}
}

func TestFeatureRoute_ClientIdentity(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{name: "socket address", remoteAddr: "192.0.2.10:5123", want: "ip:192.0.2.10"},
		{name: "forwarded wins", forwarded: "203.0.113.5", remoteAddr: "10.0.0.1:80", want: "ip:203.0.113.5"},
		{name: "first forwarded entry", forwarded: " 203.0.113.5 , 198.51.100.2", remoteAddr: "10.0.0.1:80", want: "ip:203.0.113.5"},
		{name: "garbage forwarded entry", forwarded: "unknown", remoteAddr: "10.0.0.1:80", want: "ip:10.0.0.1"},
		{name: "ipv6 socket", remoteAddr: "[2001:db8::1]:443", want: "ip:2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			r := httptest.NewRequest(http.MethodPost, "/api/feature/roteiro", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			require.Equal(t, http.StatusOK, s.do(r).Code)

			records := s.store.UsageRecords()
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].IdentityKey)
		})
	}
}

func TestFeatureRoute_PaidAccount(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.webhook("kiwify", paidPayload("evt_p", "paid@example.com"), true).Code)

	acc, err := s.store.GetAccountByEmail(context.Background(), "paid@example.com")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/feature/roteiro", nil)
	r.Header.Set("Authorization", bearer(t, acc.ID))
	w := s.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"subscription"`)

	r = httptest.NewRequest(http.MethodGet, "/api/check_usage", nil)
	r.Header.Set("Authorization", bearer(t, acc.ID))
	w = s.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uses_remaining":0,"requires_login":false,"subscription_active":true,"subscription_status":"Active"}`, w.Body.String())
}

func TestCheckAuth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/check_auth", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false}`, w.Body.String())

	require.Equal(t, http.StatusOK, s.webhook("kiwify", paidPayload("evt_a", "auth@example.com"), true).Code)
	acc, err := s.store.GetAccountByEmail(context.Background(), "auth@example.com")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/check_auth", nil)
	r.Header.Set("Authorization", bearer(t, acc.ID))
	w = s.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "auth@example.com", body["email"])
	assert.Equal(t, true, body["pending_completion"])
	assert.Equal(t, true, body["subscription_active"])
	assert.Equal(t, "Active", body["subscription_status"])
}

func TestFeatureRoute_AccountWithoutSubscription(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	acc := &domain.Account{Email: "free@example.com", FreeUsesRemaining: 1}
	require.NoError(t, s.store.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := tx.InsertAccount(ctx, acc)
		return err
	}))

	call := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/feature/guia", nil)
		r.Header.Set("Authorization", bearer(t, acc.ID))
		return s.do(r)
	}

	assert.Equal(t, http.StatusOK, call().Code)
	w := call()
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"subscription_required"`)
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "garbage", header: "Bearer not-a-token"},
		{name: "unknown account", header: bearer(t, 9999)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/check_usage", nil)
			r.Header.Set("Authorization", tt.header)
			assert.Equal(t, http.StatusUnauthorized, s.do(r).Code)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"OK"`)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	w = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
