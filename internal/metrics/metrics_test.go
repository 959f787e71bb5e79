package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/idempotency"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/internal/reconcile"
	"github.com/Dhoini/checkout-engine/internal/scheduler"
	"github.com/Dhoini/checkout-engine/internal/service"
	"github.com/Dhoini/checkout-engine/internal/subscription"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

var (
	_ service.CheckoutObserver = (*PaymentMetrics)(nil)
	_ gateway.CallObserver     = (*PaymentMetrics)(nil)
	_ reconcile.Observer       = (*PaymentMetrics)(nil)
	_ subscription.Observer    = (*PaymentMetrics)(nil)
	_ outbox.Observer          = (*PaymentMetrics)(nil)
	_ scheduler.Observer       = (*PaymentMetrics)(nil)
)

func TestPaymentMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPaymentMetrics(registry, logger.NewNop())

	m.ObserveCheckout(domain.BillingMethodPix, domain.CheckoutStatusPending, false, 120*time.Millisecond)
	m.ObserveCheckout(domain.BillingMethodPix, domain.CheckoutStatusPending, true, 5*time.Millisecond)
	m.ObserveIdempotency(idempotency.StateCompleted)
	m.ObserveGatewayCall("create_charge", "ok", time.Second)
	m.ObserveReconcile(domain.EventSourceWebhook, domain.EventOutcomeApplied)
	m.ObserveReconcile(domain.EventSourcePoll, domain.EventOutcomeDuplicate)
	m.ObserveTransition(domain.SubscriptionStatusPending, domain.SubscriptionStatusActive, domain.EventPaymentConfirmed)
	m.ObserveInvalidTransition(domain.SubscriptionStatusCanceled, domain.EventPaymentConfirmed)
	m.ObserveOutboxDelivery(domain.OutboxGrantBenefits, "delivered")
	m.IncWebhookReceived("accepted")
	m.IncWebhookUnverified()
	m.IncWebhookUnverified()
	m.ObserveSweep(scheduler.JobSuspendOverdue, 3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkouts.WithLabelValues("PIX", "pending", "true")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.checkouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idempotency.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("create_charge", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileEvents.WithLabelValues("WEBHOOK", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("PENDING", "ACTIVE", "payment_confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidTransitions.WithLabelValues("CANCELED", "payment_confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxDeliveries.WithLabelValues("grant-benefits", "delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooksUnverified))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweeps.WithLabelValues("suspend_overdue", "applied")))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "checkout_webhooks_unverified_total")
	assert.Contains(t, names, "checkout_request_duration_seconds")
}

func TestPaymentMetrics_DoubleRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewPaymentMetrics(registry, logger.NewNop())
	assert.Panics(t, func() { NewPaymentMetrics(registry, logger.NewNop()) })
}

func TestSystemMetrics_RecordAndStop(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSystemMetrics(registry, logger.NewNop())

	m.Record()
	assert.Greater(t, testutil.ToFloat64(m.goroutines), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.memorySystem), 0.0)

	m.StartRecording(10 * time.Millisecond)
	m.Stop()
	m.Stop()
}
