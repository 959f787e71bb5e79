package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/gateway/asaas"
	"github.com/Dhoini/checkout-engine/internal/reconcile"
	"github.com/Dhoini/checkout-engine/internal/service"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubCheckout struct {
	in      service.CheckoutInput
	renewIn service.RenewInput
	result  domain.CheckoutResult
	err    error
	view   service.StatusView
}

func (s *stubCheckout) Checkout(_ context.Context, in service.CheckoutInput) (domain.CheckoutResult, error) {
	s.in = in
	return s.result, s.err
}

func (s *stubCheckout) Renew(_ context.Context, in service.RenewInput) (domain.CheckoutResult, error) {
	s.renewIn = in
	return s.result, s.err
}

func (s *stubCheckout) Status(_ context.Context, id uuid.UUID) (service.StatusView, error) {
	if s.err != nil {
		return service.StatusView{}, s.err
	}
	v := s.view
	v.PaymentIntentID = id
	return v, nil
}

func checkoutRouter(svc *stubCheckout) *gin.Engine {
	h := NewCheckoutHandler(svc, logger.NewNop())
	r := gin.New()
	r.POST("/checkout", h.Checkout)
	r.GET("/checkout/status/:paymentIntentId", h.Status)
	r.POST("/subscriptions/:subscriptionId/renew", h.Renew)
	return r
}

const checkoutBody = `{
  "customer": {"name": "Ana", "email": "ana@example.com", "taxId": "123.456.789-09"},
  "planId": "pro",
  "period": "Monthly",
  "method": "pix"
}`

func TestCheckoutHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		result     domain.CheckoutResult
		err        error
		wantStatus int
		wantCode   string
	}{
		{"pending", domain.CheckoutResult{Status: domain.CheckoutStatusPending, PixPayload: "000201"}, nil, http.StatusAccepted, ""},
		{"confirmed", domain.CheckoutResult{Status: domain.CheckoutStatusConfirmed}, nil, http.StatusOK, ""},
		{"rejected", domain.CheckoutResult{Status: domain.CheckoutStatusRejected, Reason: "card declined"}, nil, http.StatusPaymentRequired, ""},
		{"in flight", domain.CheckoutResult{}, domain.ErrRequestInFlight, http.StatusConflict, "in_flight"},
		{"unknown plan", domain.CheckoutResult{}, fmt.Errorf("plan x: %w", domain.ErrPlanNotFound), http.StatusNotFound, "plan_not_found"},
		{"validation", domain.CheckoutResult{}, domain.ValidationErrors{{Field: "CheckoutInput.PlanID", Message: "required"}}, http.StatusUnprocessableEntity, "validation_failed"},
		{"internal", domain.CheckoutResult{}, assert.AnError, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubCheckout{result: tt.result, err: tt.err}
			w := httptest.NewRecorder()
			checkoutRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(checkoutBody)))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				var body map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tt.wantCode, body["error_code"])
			}
		})
	}
}

func TestCheckoutHandler_Renew(t *testing.T) {
	subID := uuid.New()
	suspendedOnly := &domain.TransitionError{SubscriptionID: subID.String(), From: domain.SubscriptionStatusActive, Event: domain.EventPaymentConfirmed}

	tests := []struct {
		name       string
		path       string
		body       string
		result     domain.CheckoutResult
		err        error
		wantStatus int
	}{
		{"pending", "/subscriptions/" + subID.String() + "/renew", `{"method": "boleto"}`, domain.CheckoutResult{Status: domain.CheckoutStatusPending}, nil, http.StatusAccepted},
		{"confirmed", "/subscriptions/" + subID.String() + "/renew", `{"method": "credit_card", "cardToken": "tok_1"}`, domain.CheckoutResult{Status: domain.CheckoutStatusConfirmed}, nil, http.StatusOK},
		{"not suspended", "/subscriptions/" + subID.String() + "/renew", `{"method": "pix"}`, domain.CheckoutResult{}, suspendedOnly, http.StatusConflict},
		{"unknown subscription", "/subscriptions/" + subID.String() + "/renew", `{"method": "pix"}`, domain.CheckoutResult{}, domain.NewNotFoundError("subscription", subID.String()), http.StatusNotFound},
		{"bad id", "/subscriptions/nope/renew", `{"method": "pix"}`, domain.CheckoutResult{}, nil, http.StatusBadRequest},
		{"unknown field", "/subscriptions/" + subID.String() + "/renew", `{"method": "pix", "planId": "gold"}`, domain.CheckoutResult{}, nil, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubCheckout{result: tt.result, err: tt.err}
			w := httptest.NewRecorder()
			checkoutRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestCheckoutHandler_RenewMapsRequest(t *testing.T) {
	svc := &stubCheckout{result: domain.CheckoutResult{Status: domain.CheckoutStatusPending, Replayed: true}}
	subID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+subID.String()+"/renew",
		strings.NewReader(`{"method": "credit_card", "card": {"holderName": "ANA", "number": "4111111111111111", "expiryMonth": "12", "expiryYear": "2030", "cvv": "123"}}`))
	req.Header.Set(HeaderIdempotencyKey, "renew-1")
	req.RemoteAddr = "203.0.113.7:5555"

	w := httptest.NewRecorder()
	checkoutRouter(svc).ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	assert.Equal(t, subID, svc.renewIn.SubscriptionID)
	assert.Equal(t, "renew-1", svc.renewIn.IdempotencyKey)
	assert.Equal(t, domain.BillingMethodCreditCard, svc.renewIn.Method)
	assert.Equal(t, "203.0.113.7", svc.renewIn.RemoteIP)
	require.NotNil(t, svc.renewIn.Card)
	assert.Equal(t, "4111111111111111", svc.renewIn.Card.Number)
}

func TestCheckoutHandler_MapsRequest(t *testing.T) {
	svc := &stubCheckout{result: domain.CheckoutResult{Status: domain.CheckoutStatusPending}}
	body := `{
	  "customer": {"name": "Ana", "email": "ana@example.com", "taxId": "12345678909", "postalCode": "01310-100"},
	  "planId": "pro", "period": "YEARLY", "method": "credit_card",
	  "card": {"holderName": "ANA", "number": "4111111111111111", "expiryMonth": "12", "expiryYear": "2030", "cvv": "123"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	req.Header.Set(HeaderIdempotencyKey, "key-1")
	req.RemoteAddr = "203.0.113.7:5555"

	w := httptest.NewRecorder()
	checkoutRouter(svc).ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "key-1", svc.in.IdempotencyKey)
	assert.Equal(t, domain.BillingPeriod("yearly"), svc.in.Period)
	assert.Equal(t, domain.BillingMethod("CREDIT_CARD"), svc.in.Method)
	assert.Equal(t, "203.0.113.7", svc.in.RemoteIP)
	assert.Equal(t, "01310-100", svc.in.Customer.PostalCode)
	require.NotNil(t, svc.in.Card)
	assert.Equal(t, "1111", svc.in.Card.Last4())
}

func TestCheckoutHandler_ReplayHeader(t *testing.T) {
	svc := &stubCheckout{result: domain.CheckoutResult{Status: domain.CheckoutStatusPending, Replayed: true}}
	w := httptest.NewRecorder()
	checkoutRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(checkoutBody)))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	assert.NotContains(t, w.Body.String(), "replayed")
}

func TestCheckoutHandler_BadRequests(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		w := httptest.NewRecorder()
		checkoutRouter(&stubCheckout{}).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"amount": 1}`)))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("key mismatch", func(t *testing.T) {
		svc := &stubCheckout{}
		req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"idempotencyKey": "a", "planId": "pro", "method": "PIX"}`))
		req.Header.Set(HeaderIdempotencyKey, "b")
		w := httptest.NewRecorder()
		checkoutRouter(svc).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Empty(t, svc.in.PlanID)
	})

	t.Run("bad status id", func(t *testing.T) {
		w := httptest.NewRecorder()
		checkoutRouter(&stubCheckout{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/checkout/status/nope", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCheckoutHandler_Status(t *testing.T) {
	id := uuid.New()
	svc := &stubCheckout{view: service.StatusView{Status: domain.CheckoutStatusConfirmed, SubscriptionStatus: domain.SubscriptionStatusActive}}

	w := httptest.NewRecorder()
	checkoutRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/checkout/status/"+id.String(), nil))

	require.Equal(t, http.StatusOK, w.Code)
	var view service.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, id, view.PaymentIntentID)
	assert.Equal(t, domain.SubscriptionStatusActive, view.SubscriptionStatus)

	svc.err = fmt.Errorf("intent: %w", domain.ErrNotFound)
	w = httptest.NewRecorder()
	checkoutRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/checkout/status/"+id.String(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type stubIntake struct {
	mu  sync.Mutex
	got []gateway.Notification
	err error
}

func (s *stubIntake) Submit(_ context.Context, n gateway.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, n)
	return nil
}

type countingMetrics struct {
	outcomes   map[string]int
	unverified int
}

func (m *countingMetrics) IncWebhookReceived(outcome string) { m.outcomes[outcome]++ }
func (m *countingMetrics) IncWebhookUnverified()             { m.unverified++ }

const webhookSecret = "whsec-test"

func webhookRouter(intake NotificationSubmitter, metrics WebhookMetrics, maxBytes int64) *gin.Engine {
	parser := asaas.NewClient(asaas.Config{APIKey: "k", WebhookToken: "tok", WebhookSecret: webhookSecret}, logger.NewNop())
	h := NewWebhookHandler(parser, intake, metrics, maxBytes, logger.NewNop())
	r := gin.New()
	r.POST("/webhooks/gateway", h.HandleGatewayWebhook)
	return r
}

func signedWebhook(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(asaas.HeaderAccessToken, "tok")
	req.Header.Set(asaas.HeaderSignature, asaas.Sign([]byte(body), webhookSecret))
	return req
}

func TestWebhookHandler(t *testing.T) {
	const confirmed = `{"id":"evt_1","event":"PAYMENT_RECEIVED","payment":{"id":"pay_1","status":"RECEIVED","externalReference":"ref"}}`

	tests := []struct {
		name        string
		req         func() *http.Request
		intakeErr   error
		maxBytes    int64
		wantStatus  int
		wantOutcome string
		wantQueued  int
	}{
		{
			name:        "accepted",
			req:         func() *http.Request { return signedWebhook(confirmed) },
			wantStatus:  http.StatusOK,
			wantOutcome: "accepted",
			wantQueued:  1,
		},
		{
			name: "bad signature",
			req: func() *http.Request {
				r := signedWebhook(confirmed)
				r.Header.Set(asaas.HeaderSignature, asaas.Sign([]byte("other"), webhookSecret))
				return r
			},
			wantStatus:  http.StatusUnauthorized,
			wantOutcome: "unverified",
		},
		{
			name:        "no payment is ignored",
			req:         func() *http.Request { return signedWebhook(`{"id":"evt_2","event":"ACCOUNT_UPDATED"}`) },
			wantStatus:  http.StatusOK,
			wantOutcome: "ignored",
		},
		{
			name:        "intake full",
			req:         func() *http.Request { return signedWebhook(confirmed) },
			intakeErr:   reconcile.ErrIntakeFull,
			wantStatus:  http.StatusServiceUnavailable,
			wantOutcome: "busy",
		},
		{
			name:        "too large",
			req:         func() *http.Request { return signedWebhook(confirmed) },
			maxBytes:    16,
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantOutcome: "too_large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intake := &stubIntake{err: tt.intakeErr}
			metrics := &countingMetrics{outcomes: map[string]int{}}
			maxBytes := tt.maxBytes
			if maxBytes == 0 {
				maxBytes = 64 << 10
			}

			w := httptest.NewRecorder()
			webhookRouter(intake, metrics, maxBytes).ServeHTTP(w, tt.req())

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, 1, metrics.outcomes[tt.wantOutcome])
			assert.Len(t, intake.got, tt.wantQueued)
			if tt.wantOutcome == "unverified" {
				assert.Equal(t, 1, metrics.unverified)
			}
		})
	}
}

func TestWebhookHandler_NotificationFields(t *testing.T) {
	intake := &stubIntake{}
	body := `{"id":"evt_9","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_9","status":"CONFIRMED","externalReference":"intent-9"}}`

	w := httptest.NewRecorder()
	webhookRouter(intake, &countingMetrics{outcomes: map[string]int{}}, 64<<10).ServeHTTP(w, signedWebhook(body))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, intake.got, 1)
	n := intake.got[0]
	assert.Equal(t, "evt_9", n.EventID)
	assert.Equal(t, "pay_9", n.ChargeID)
	assert.Equal(t, "intent-9", n.ExternalReference)
	assert.Equal(t, domain.GatewayStatusConfirmed, n.Status)
	assert.NotEmpty(t, n.PayloadHash)
}

type stubAdmin struct {
	reason string
	err    error
}

func (s *stubAdmin) Get(_ context.Context, id uuid.UUID) (service.SubscriptionView, error) {
	if s.err != nil {
		return service.SubscriptionView{}, s.err
	}
	return service.SubscriptionView{Subscription: domain.Subscription{ID: id, Status: domain.SubscriptionStatusActive}}, nil
}

func (s *stubAdmin) Cancel(_ context.Context, id uuid.UUID, reason string) (domain.Subscription, error) {
	if s.err != nil {
		return domain.Subscription{}, s.err
	}
	s.reason = reason
	return domain.Subscription{ID: id, Status: domain.SubscriptionStatusCanceled, CancelReason: reason}, nil
}

func adminRouter(svc *stubAdmin) *gin.Engine {
	h := NewAdminHandler(svc, logger.NewNop())
	r := gin.New()
	r.GET("/admin/subscriptions/:id", h.GetSubscription)
	r.POST("/admin/subscriptions/:id/cancel", h.CancelSubscription)
	return r
}

func TestAdminHandler(t *testing.T) {
	id := uuid.New()

	t.Run("get", func(t *testing.T) {
		w := httptest.NewRecorder()
		adminRouter(&stubAdmin{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/subscriptions/"+id.String(), nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), id.String())
	})

	t.Run("cancel", func(t *testing.T) {
		svc := &stubAdmin{}
		w := httptest.NewRecorder()
		adminRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/subscriptions/"+id.String()+"/cancel", strings.NewReader(`{"reason":"chargeback"}`)))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "chargeback", svc.reason)
	})

	t.Run("cancel without reason", func(t *testing.T) {
		svc := &stubAdmin{}
		w := httptest.NewRecorder()
		adminRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/subscriptions/"+id.String()+"/cancel", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Empty(t, svc.reason)
	})

	t.Run("invalid transition", func(t *testing.T) {
		svc := &stubAdmin{err: &domain.TransitionError{From: domain.SubscriptionStatusCanceled, Event: domain.EventAdminCancel, SubscriptionID: id.String()}}
		w := httptest.NewRecorder()
		adminRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/subscriptions/"+id.String()+"/cancel", strings.NewReader(`{"reason":"x"}`)))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		w := httptest.NewRecorder()
		adminRouter(&stubAdmin{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/subscriptions/42", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReadiness(t *testing.T) {
	r := gin.New()
	r.GET("/ready", Readiness(map[string]Checker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return assert.AnError },
	}, time.Second))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Checks["postgres"])
	assert.Equal(t, assert.AnError.Error(), body.Checks["redis"])
}
