package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/idempotency"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

const namespace = "checkout"

// PaymentMetrics метрики движка оформления. Реализует наблюдателей
// оркестратора, шлюза, редьюсера, автомата подписок, outbox и планировщика.
type PaymentMetrics struct {
	log *logger.Logger

	checkouts          *prometheus.CounterVec
	checkoutDuration   *prometheus.HistogramVec
	idempotency        *prometheus.CounterVec
	gatewayCalls       *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	reconcileEvents    *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	invalidTransitions *prometheus.CounterVec
	outboxDeliveries   *prometheus.CounterVec
	webhooksReceived   *prometheus.CounterVec
	webhooksUnverified prometheus.Counter
	sweeps             *prometheus.CounterVec
}

// NewPaymentMetrics регистрирует метрики в registry
func NewPaymentMetrics(registry prometheus.Registerer, log *logger.Logger) *PaymentMetrics {
	factory := promauto.With(registry)

	return &PaymentMetrics{
		log: log,
		checkouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "The total number of checkout requests by method and result",
			},
			[]string{"method", "status", "replayed"},
		),
		checkoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Checkout request latency",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
			},
			[]string{"method"},
		),
		idempotency: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_reservations_total",
				Help:      "Idempotency reservations by observed state",
			},
			[]string{"state"},
		),
		gatewayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Gateway calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		gatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Gateway call latency including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		reconcileEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirmation_events_total",
				Help:      "Confirmation events folded by the reducer",
			},
			[]string{"source", "outcome"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_transitions_total",
				Help:      "Applied subscription transitions",
			},
			[]string{"from", "to", "event"},
		),
		invalidTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_invalid_transitions_total",
				Help:      "Rejected subscription transitions",
			},
			[]string{"from", "event"},
		),
		outboxDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_deliveries_total",
				Help:      "Outbox delivery attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		webhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Gateway webhook deliveries by handling outcome",
			},
			[]string{"outcome"},
		),
		webhooksUnverified: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_unverified_total",
				Help:      "Webhook deliveries that failed verification",
			},
		),
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_sweeps_total",
				Help:      "Subscriptions processed by lifecycle jobs",
			},
			[]string{"job", "result"},
		),
	}
}

// ObserveCheckout записывает итог оформления
func (m *PaymentMetrics) ObserveCheckout(method domain.BillingMethod, status domain.CheckoutStatus, replayed bool, duration time.Duration) {
	r := "false"
	if replayed {
		r = "true"
	}
	m.checkouts.WithLabelValues(string(method), string(status), r).Inc()
	m.checkoutDuration.WithLabelValues(string(method)).Observe(duration.Seconds())
}

// ObserveIdempotency записывает состояние резервации ключа
func (m *PaymentMetrics) ObserveIdempotency(state idempotency.State) {
	m.idempotency.WithLabelValues(string(state)).Inc()
}

// ObserveGatewayCall записывает вызов шлюза
func (m *PaymentMetrics) ObserveGatewayCall(operation, outcome string, duration time.Duration) {
	m.gatewayCalls.WithLabelValues(operation, outcome).Inc()
	m.gatewayDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveReconcile записывает исход свертки события
func (m *PaymentMetrics) ObserveReconcile(source domain.EventSource, outcome domain.EventOutcome) {
	m.reconcileEvents.WithLabelValues(string(source), string(outcome)).Inc()
}

// ObserveTransition записывает принятый переход подписки
func (m *PaymentMetrics) ObserveTransition(from, to domain.SubscriptionStatus, event domain.SubscriptionEvent) {
	m.transitions.WithLabelValues(string(from), string(to), string(event)).Inc()
}

// ObserveInvalidTransition записывает отклоненный переход
func (m *PaymentMetrics) ObserveInvalidTransition(from domain.SubscriptionStatus, event domain.SubscriptionEvent) {
	m.invalidTransitions.WithLabelValues(string(from), string(event)).Inc()
}

// ObserveOutboxDelivery записывает попытку доставки строки outbox
func (m *PaymentMetrics) ObserveOutboxDelivery(kind domain.OutboxKind, outcome string) {
	m.outboxDeliveries.WithLabelValues(string(kind), outcome).Inc()
}

// IncWebhookReceived считает принятые вебхуки (accepted, rejected, overloaded)
func (m *PaymentMetrics) IncWebhookReceived(outcome string) {
	m.webhooksReceived.WithLabelValues(outcome).Inc()
}

// IncWebhookUnverified считает вебхуки с неверной подписью или токеном
func (m *PaymentMetrics) IncWebhookUnverified() {
	m.webhooksUnverified.Inc()
}

// ObserveSweep записывает результат задачи планировщика
func (m *PaymentMetrics) ObserveSweep(job string, processed int, failed int) {
	m.sweeps.WithLabelValues(job, "applied").Add(float64(processed))
	m.sweeps.WithLabelValues(job, "failed").Add(float64(failed))
}
