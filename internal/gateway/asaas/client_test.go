package asaas

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		WebhookToken:  "hook-token",
		WebhookSecret: "hook-secret",
		Timeout:       2 * time.Second,
	}, logger.NewNop())
	c.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFindOrCreateCustomer_ReusesExisting(t *testing.T) {
	var posts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("access_token"))
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "12345678909", r.URL.Query().Get("cpfCnpj"))
			writeJSON(w, http.StatusOK, map[string]any{
				"totalCount": 1,
				"data":       []map[string]any{{"id": "cus_existing", "cpfCnpj": "12345678909"}},
			})
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			writeJSON(w, http.StatusOK, map[string]any{"id": "cus_new"})
		}
	})

	ref, err := c.FindOrCreateCustomer(context.Background(), "123.456.789-09", domain.CustomerProfile{Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", ref.ID)
	assert.Zero(t, atomic.LoadInt32(&posts))
}

func TestFindOrCreateCustomer_CreatesWhenMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]any{"totalCount": 0, "data": []any{}})
			return
		}
		var body customerRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "12345678909", body.CpfCnpj)
		assert.True(t, body.NotificationDisabled)
		writeJSON(w, http.StatusOK, map[string]any{"id": "cus_new"})
	})

	ref, err := c.FindOrCreateCustomer(context.Background(), "12345678909", domain.CustomerProfile{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "cus_new", ref.ID)
}

func TestCreateCharge_PixSendsReaisAndFetchesQRCode(t *testing.T) {
	intentID := uuid.New()
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v3/payments":
			assert.Equal(t, intentID.String(), r.URL.Query().Get("externalReference"))
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/v3/payments":
			data, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(data, &raw))
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "pay_1", "status": "PENDING", "value": 49.9, "dueDate": "2025-03-10",
			})
		case r.URL.Path == "/v3/payments/pay_1/pixQrCode":
			writeJSON(w, http.StatusOK, map[string]any{"payload": "00020126pix", "encodedImage": "iVBOR"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	charge, err := c.CreateCharge(context.Background(), gateway.ChargeRequest{
		IntentID:    intentID,
		Customer:    gateway.CustomerRef{ID: "cus_1"},
		Method:      domain.BillingMethodPix,
		AmountCents: 4990,
		Period:      domain.BillingPeriodMonthly,
	})
	require.NoError(t, err)

	assert.Equal(t, "pay_1", charge.ID)
	assert.Equal(t, domain.GatewayStatusAccepted, charge.Status)
	assert.Equal(t, "00020126pix", charge.PixPayload)
	assert.Equal(t, 49.9, raw["value"])
	assert.Equal(t, "PIX", raw["billingType"])
	assert.Equal(t, intentID.String(), raw["externalReference"])
}

func TestCreateCharge_ReusesChargeWithSameExternalReference(t *testing.T) {
	var posts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{"id": "pay_old", "status": "PENDING", "bankSlipUrl": "https://slip"}},
		})
	})

	charge, err := c.CreateCharge(context.Background(), gateway.ChargeRequest{
		IntentID:    uuid.New(),
		Customer:    gateway.CustomerRef{ID: "cus_1"},
		Method:      domain.BillingMethodBoleto,
		AmountCents: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "pay_old", charge.ID)
	assert.Equal(t, "https://slip", charge.BankSlipURL)
	assert.Zero(t, atomic.LoadInt32(&posts))
}

func TestCreateCharge_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		transient bool
		rejected  bool
		duplicate bool
	}{
		{name: "server error", status: http.StatusBadGateway, code: "x", transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, code: "rate", transient: true},
		{name: "card declined", status: http.StatusBadRequest, code: "invalid_creditCard", rejected: true},
		{name: "duplicate", status: http.StatusConflict, code: "duplicate", duplicate: true},
		{name: "unauthorized", status: http.StatusUnauthorized, code: "invalid_access_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
					return
				}
				writeJSON(w, tt.status, map[string]any{
					"errors": []map[string]string{{"code": tt.code, "description": "boom"}},
				})
			})

			_, err := c.CreateCharge(context.Background(), gateway.ChargeRequest{
				IntentID:    uuid.New(),
				Customer:    gateway.CustomerRef{ID: "cus_1"},
				Method:      domain.BillingMethodCreditCard,
				AmountCents: 4990,
				CardToken:   "tok_1",
			})
			require.Error(t, err)

			var gwErr *domain.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.Equal(t, tt.transient, errors.Is(err, domain.ErrGatewayTransient))
			assert.Equal(t, tt.rejected, errors.Is(err, domain.ErrGatewayRejected))
			assert.Equal(t, tt.duplicate, errors.Is(err, domain.ErrDuplicateRequest))
		})
	}
}

func TestCreateCharge_CardWithoutTokenIsRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s %s", r.Method, r.URL.Path)
	})

	_, err := c.CreateCharge(context.Background(), gateway.ChargeRequest{
		IntentID:    uuid.New(),
		Method:      domain.BillingMethodCreditCard,
		AmountCents: 100,
	})
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)
}

func TestFetchChargeStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     map[string]any
		expected domain.GatewayStatus
	}{
		{name: "received", status: http.StatusOK, body: map[string]any{"id": "pay_1", "status": "RECEIVED"}, expected: domain.GatewayStatusConfirmed},
		{name: "overdue", status: http.StatusOK, body: map[string]any{"id": "pay_1", "status": "OVERDUE"}, expected: domain.GatewayStatusExpired},
		{name: "deleted", status: http.StatusOK, body: map[string]any{"id": "pay_1", "status": "PENDING", "deleted": true}, expected: domain.GatewayStatusExpired},
		{name: "not found", status: http.StatusNotFound, body: map[string]any{}, expected: domain.GatewayStatusExpired},
		{name: "refunded", status: http.StatusOK, body: map[string]any{"id": "pay_1", "status": "REFUNDED"}, expected: domain.GatewayStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v3/payments/pay_1", r.URL.Path)
				writeJSON(w, tt.status, tt.body)
			})

			got, err := c.FetchChargeStatus(context.Background(), "pay_1")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTokenizeCard(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/creditCard/tokenize", r.URL.Path)
		var body tokenizeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "4111111111111111", body.CreditCard.Number)
		assert.Equal(t, "12345678909", body.CreditCardHolderInfo.CpfCnpj)
		writeJSON(w, http.StatusOK, map[string]any{
			"creditCardNumber": "1111", "creditCardBrand": "VISA", "creditCardToken": "tok_abc",
		})
	})

	token, err := c.TokenizeCard(context.Background(),
		gateway.CustomerRef{ID: "cus_1"},
		domain.CardFields{HolderName: "ANA", Number: "4111111111111111", ExpiryMonth: "12", ExpiryYear: "2030", CVV: "123"},
		domain.CustomerProfile{Name: "Ana", TaxID: "123.456.789-09"},
		"10.0.0.1",
	)
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", token.Token)
	assert.Equal(t, "1111", token.Last4)
}

func TestParseReais(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"49.9", 4990},
		{"49.90", 4990},
		{"100", 10000},
		{"0.05", 5},
		{"-1.5", -150},
	}
	for _, tt := range tests {
		got, err := parseReais(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.Equal(t, "49.90", formatCents(4990))
	assert.Equal(t, "0.05", formatCents(5))
}
