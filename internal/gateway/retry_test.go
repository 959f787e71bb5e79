package gateway_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/gateway/gatewaytest"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveGatewayCall(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func fastPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func pixRequest() gateway.ChargeRequest {
	return gateway.ChargeRequest{
		IntentID:    uuid.New(),
		Customer:    gateway.CustomerRef{ID: "cus_1"},
		Method:      domain.BillingMethodPix,
		AmountCents: 4990,
	}
}

func TestWithRetry_RecoversFromTransient(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailChargeTimes = 2
	obs := &recordingObserver{}

	gw := gateway.WithRetry(fake, fastPolicy(), logger.NewNop(), obs)
	charge, err := gw.CreateCharge(context.Background(), pixRequest())

	require.NoError(t, err)
	assert.NotEmpty(t, charge.ID)
	assert.Equal(t, 3, fake.Calls())
	assert.Equal(t, []string{"transient", "transient", "ok"}, obs.outcomes)
}

func TestWithRetry_GivesUpAfterAttempts(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailChargeTimes = 10

	gw := gateway.WithRetry(fake, fastPolicy(), logger.NewNop(), nil)
	_, err := gw.CreateCharge(context.Background(), pixRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayTransient)
	assert.Equal(t, 3, fake.Calls())
}

func TestWithRetry_TerminalErrorsNotRetried(t *testing.T) {
	declined := domain.NewGatewayError("create_charge", "invalid_creditCard", "card declined", http.StatusBadRequest, nil)
	declined.Rejected = true

	duplicate := domain.NewGatewayError("create_charge", domain.GatewayCodeDuplicate, "duplicate", http.StatusConflict, nil)
	duplicate.Transient = true

	unauthorized := domain.NewGatewayError("create_charge", "unauthorized", "bad api key", http.StatusUnauthorized, nil)

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"card declined", declined, domain.ErrGatewayRejected},
		{"duplicate request", duplicate, domain.ErrDuplicateRequest},
		{"auth error", unauthorized, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := gatewaytest.New()
			fake.ChargeErr = tt.err

			gw := gateway.WithRetry(fake, fastPolicy(), logger.NewNop(), nil)
			_, err := gw.CreateCharge(context.Background(), pixRequest())

			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, 1, fake.Calls())
		})
	}
}

func TestWithRetry_ContextCanceledIsTransient(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailChargeTimes = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := gateway.WithRetry(fake, gateway.RetryPolicy{Attempts: 3, BaseDelay: time.Second}, logger.NewNop(), nil)
	_, err := gw.CreateCharge(ctx, pixRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayTransient)
}

func TestRetryPolicy_Budget(t *testing.T) {
	p := gateway.DefaultRetryPolicy()
	// две паузы: 500ms и 1s, каждая с разбросом до +50%
	assert.Equal(t, 2250*time.Millisecond, p.Budget())
}
