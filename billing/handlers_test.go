package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/database/databasetest"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
)

type billingFixture struct {
	router   *gin.Engine
	credits  *repository.CreditRepository
	sessions *mockSessions
	metrics  *metrics.Metrics
}

func newBillingFixture(t *testing.T, store PurchaseRecorder) *billingFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &billingFixture{
		credits:  repository.NewCreditRepository(databasetest.New(t), testLogger()),
		sessions: &mockSessions{},
		metrics:  metrics.New(),
	}
	if store == nil {
		store = f.credits
	}
	h := NewHandler(
		NewCheckoutService(f.sessions, "https://teai.io", []string{"https://app.teai.io"}, testLogger()),
		NewSignatureVerifier(testWebhookSecret),
		NewFulfiller(store, testLogger(), f.metrics),
		f.credits,
		5*time.Minute,
		testLogger(),
		f.metrics,
		false,
	)

	r := gin.New()
	r.POST("/functions/v1/stripe-webhook", h.Webhook)
	authed := r.Group("/", func(c *gin.Context) {
		auth.SetUser(c, &auth.User{ID: "user-1", Email: "user1@example.com"})
	})
	authed.POST("/functions/v1/create-checkout-session", h.CreateCheckoutSession)
	authed.GET("/api/credits", h.Balance)
	authed.GET("/api/credits/history", h.History)
	authed.GET("/api/credits/plans", h.Plans)
	f.router = r
	return f
}

func checkoutCompletedEvent(t *testing.T, sessionID string, metadata map[string]string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":     "evt_" + sessionID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":           sessionID,
				"object":       "checkout.session",
				"amount_total": 2500,
				"metadata":     metadata,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func (f *billingFixture) deliver(t *testing.T, body []byte, sigHeader string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/stripe-webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sigHeader != "" {
		req.Header.Set("stripe-signature", sigHeader)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func (f *billingFixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.credits.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

var standardMetadata = map[string]string{"userId": "user-1", "credits": "15000", "planId": "standard"}

func TestWebhookReplayCreditsOnce(t *testing.T) {
	f := newBillingFixture(t, nil)
	body := checkoutCompletedEvent(t, "cs_test_replay", standardMetadata)
	header := signedHeader(time.Now(), body, testWebhookSecret)

	for i := 0; i < 3; i++ {
		w, resp := f.deliver(t, body, header)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, resp["received"])
		assert.NotContains(t, resp, "error")
	}

	assert.Equal(t, int64(15000), f.balance(t, "user-1"))

	history, err := f.credits.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(2500), history[0].AmountYen)
	assert.Equal(t, "standard", history[0].PlanID)
	assert.Equal(t, models.PurchaseStatusCompleted, history[0].Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("checkout.session.completed", "applied")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("checkout.session.completed", "duplicate")))
	assert.Equal(t, float64(15000), testutil.ToFloat64(f.metrics.CreditsGranted))
}

func TestWebhookSeparateSessionsAccumulate(t *testing.T) {
	f := newBillingFixture(t, nil)
	for _, id := range []string{"cs_a", "cs_b"} {
		body := checkoutCompletedEvent(t, id, standardMetadata)
		w, _ := f.deliver(t, body, signedHeader(time.Now(), body, testWebhookSecret))
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int64(30000), f.balance(t, "user-1"))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	body := checkoutCompletedEvent(t, "cs_test_tampered", standardMetadata)
	tampered := checkoutCompletedEvent(t, "cs_test_tampered", map[string]string{"userId": "user-1", "credits": "9999999"})

	tests := map[string]struct {
		body   []byte
		header string
	}{
		"tampered body":   {tampered, signedHeader(time.Now(), body, testWebhookSecret)},
		"wrong secret":    {body, signedHeader(time.Now(), body, "whsec_attacker")},
		"missing header":  {body, ""},
		"malformed value": {body, "t=abc,v1=zz"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newBillingFixture(t, nil)
			w, resp := f.deliver(t, tt.body, tt.header)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "Signature verification failed", resp["error"])
			assert.Equal(t, int64(0), f.balance(t, "user-1"))
			history, err := f.credits.History(context.Background(), "user-1", 10)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	f := newBillingFixture(t, nil)
	event := checkoutCompletedEvent(t, "cs_test_large", standardMetadata)
	body := append(bytes.TrimSuffix(event, []byte("}")), []byte(`,"padding":"`+strings.Repeat("x", maxWebhookBodyBytes)+`"}`)...)

	w, resp := f.deliver(t, body, signedHeader(time.Now(), body, testWebhookSecret))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "Payload too large", resp["error"])
	assert.Equal(t, int64(0), f.balance(t, "user-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("unknown", "too_large")))
}

func TestWebhookTimestampHeader(t *testing.T) {
	f := newBillingFixture(t, nil)
	body := checkoutCompletedEvent(t, "cs_test_ts", standardMetadata)
	ts := time.Now().Add(-time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/functions/v1/stripe-webhook", bytes.NewReader(body))
	req.Header.Set("stripe-signature", "v1="+signature(ts, body, testWebhookSecret))
	req.Header.Set("stripe-timestamp", strconv.FormatInt(ts.Unix(), 10))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	// Skew is only logged.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(15000), f.balance(t, "user-1"))
}

func TestWebhookBadMetadataIsAcknowledged(t *testing.T) {
	tests := map[string]struct {
		metadata  map[string]string
		wantError string
	}{
		"missing user":     {map[string]string{"credits": "5000"}, "Missing metadata"},
		"missing credits":  {map[string]string{"userId": "user-1"}, "Missing metadata"},
		"non-numeric":      {map[string]string{"userId": "user-1", "credits": "lots"}, "Invalid credits metadata"},
		"negative credits": {map[string]string{"userId": "user-1", "credits": "-5"}, "Invalid credits metadata"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newBillingFixture(t, nil)
			body := checkoutCompletedEvent(t, "cs_test_meta", tt.metadata)
			w, resp := f.deliver(t, body, signedHeader(time.Now(), body, testWebhookSecret))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, true, resp["received"])
			assert.Equal(t, tt.wantError, resp["error"])
			assert.Equal(t, int64(0), f.balance(t, "user-1"))
		})
	}
}

type failingStore struct{}

func (failingStore) ApplyPurchase(context.Context, *models.CreditPurchaseHistory) (bool, error) {
	return false, errors.New("database is locked")
}

func TestWebhookStoreFailureAsksForRetry(t *testing.T) {
	f := newBillingFixture(t, failingStore{})
	body := checkoutCompletedEvent(t, "cs_test_fail", standardMetadata)
	w, resp := f.deliver(t, body, signedHeader(time.Now(), body, testWebhookSecret))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Webhook handler failed", resp["error"])
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	f := newBillingFixture(t, nil)
	body := []byte(`{"id":"evt_2","object":"event","type":"payment_intent.created","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)
	w, resp := f.deliver(t, body, signedHeader(time.Now(), body, testWebhookSecret))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"received": true}, resp)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("payment_intent.created", "ignored")))
}

func postCheckout(t *testing.T, f *billingFixture, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/create-checkout-session", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://app.teai.io")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestCheckoutHandler(t *testing.T) {
	t.Run("unknown plan", func(t *testing.T) {
		f := newBillingFixture(t, nil)
		w, resp := postCheckout(t, f, `{"planId":"gold"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_plan", resp["code"])
		assert.Empty(t, f.sessions.calls)
	})

	t.Run("created", func(t *testing.T) {
		f := newBillingFixture(t, nil)
		w, resp := postCheckout(t, f, `{"planId":"basic"}`)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", resp["url"])
		require.Len(t, f.sessions.calls, 1)
		assert.Equal(t, "user-1", f.sessions.calls[0].Metadata["userId"])
	})

	t.Run("stripe rate limit", func(t *testing.T) {
		f := newBillingFixture(t, nil)
		f.sessions.newFunc = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return nil, &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Type: stripe.ErrorTypeInvalidRequest, Msg: "Too many requests"}
		}
		w, resp := postCheckout(t, f, `{"planId":"basic"}`)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "invalid_request_error", resp["code"])
		assert.NotEmpty(t, resp["error"])
	})
}

func TestCreditsReadAPI(t *testing.T) {
	f := newBillingFixture(t, nil)

	get := func(path string) (int, map[string]any) {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return w.Code, resp
	}

	code, resp := get("/api/credits")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), resp["balance"])

	code, resp = get("/api/credits/history")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, resp["history"])

	for i := 0; i < 3; i++ {
		_, err := f.credits.ApplyPurchase(context.Background(), &models.CreditPurchaseHistory{
			UserID:          "user-1",
			AmountYen:       1000,
			Credits:         5000,
			Status:          models.PurchaseStatusCompleted,
			StripeSessionID: fmt.Sprintf("cs_%d", i),
		})
		require.NoError(t, err)
	}

	code, resp = get("/api/credits")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(15000), resp["balance"])

	code, resp = get("/api/credits/history?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["history"], 2)

	code, _ = get("/api/credits/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = get("/api/credits/plans")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["plans"], 4)
}
