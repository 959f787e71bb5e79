package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

func fastPollerOptions() PollerOptions {
	return PollerOptions{
		FastInterval:  5 * time.Millisecond,
		FastWindow:    50 * time.Millisecond,
		SlowInterval:  20 * time.Millisecond,
		PixCeiling:    time.Hour,
		BoletoCeiling: time.Hour,
		AbandonAfter:  time.Hour,
		ResumeLimit:   10,
	}
}

// dropCharge превращает намерение фикстуры в оставшееся без списания после сбоя шлюза
func dropCharge(t *testing.T, f *fixture) domain.PaymentIntent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		intent, err := tx.GetPaymentIntent(ctx, f.intent.ID)
		if err != nil {
			return err
		}
		intent.GatewayChargeID = nil
		intent.Status = domain.PaymentIntentCreated
		return tx.UpdatePaymentIntent(ctx, intent)
	}))
	intent, err := f.store.GetPaymentIntent(ctx, f.intent.ID)
	require.NoError(t, err)
	return intent
}

func TestPollerOptions_Schedule(t *testing.T) {
	opts := DefaultPollerOptions()

	assert.Equal(t, 5*time.Second, opts.Interval(0))
	assert.Equal(t, 5*time.Second, opts.Interval(opts.FastWindow-time.Second))
	assert.Equal(t, 60*time.Second, opts.Interval(opts.FastWindow))
	assert.Equal(t, 30*time.Minute, opts.Ceiling(domain.BillingMethodPix))
	assert.Equal(t, 72*time.Hour, opts.Ceiling(domain.BillingMethodBoleto))
}

func TestPollerOptions_Deadline(t *testing.T) {
	opts := DefaultPollerOptions()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	charge := "pay_1"

	tests := []struct {
		name   string
		intent domain.PaymentIntent
		want   time.Time
	}{
		{
			"explicit expiry",
			domain.PaymentIntent{Method: domain.BillingMethodPix, GatewayChargeID: &charge, CreatedAt: created, ExpiresAt: created.Add(10 * time.Minute)},
			created.Add(10 * time.Minute),
		},
		{
			"boleto ceiling",
			domain.PaymentIntent{Method: domain.BillingMethodBoleto, GatewayChargeID: &charge, CreatedAt: created},
			created.Add(72 * time.Hour),
		},
		{
			"no charge",
			domain.PaymentIntent{Method: domain.BillingMethodCreditCard, CreatedAt: created},
			created.Add(time.Hour),
		},
		{
			"no charge ignores expiry",
			domain.PaymentIntent{Method: domain.BillingMethodBoleto, CreatedAt: created, ExpiresAt: created.Add(72 * time.Hour)},
			created.Add(time.Hour),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opts.Deadline(tt.intent))
		})
	}
}

func TestPoller_ConfirmsAndStops(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	p := NewPoller(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop())
	defer p.Stop()

	p.Schedule(f.intent)
	assert.Equal(t, 1, p.Active())

	f.gw.SetStatus(*f.intent.GatewayChargeID, domain.GatewayStatusConfirmed)

	assert.Eventually(t, func() bool {
		sub, err := f.store.GetSubscription(context.Background(), f.sub.ID)
		return err == nil && sub.Status == domain.SubscriptionStatusActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, countKind(f.outboxKinds(t), domain.OutboxGrantBenefits))
}

func TestPoller_CeilingExpiresIntent(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	opts := fastPollerOptions()
	opts.PixCeiling = 30 * time.Millisecond
	p := NewPoller(f.reducer, f.gw, f.store, opts, logger.NewNop())
	defer p.Stop()

	p.Schedule(f.intent)

	assert.Eventually(t, func() bool {
		intent, err := f.store.GetPaymentIntent(context.Background(), f.intent.ID)
		return err == nil && intent.Status == domain.PaymentIntentExpired
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.SubscriptionStatusCanceled, f.subscription(t).Status)
	kinds := f.outboxKinds(t)
	assert.Zero(t, countKind(kinds, domain.OutboxNotifyActivated))
	assert.Zero(t, countKind(kinds, domain.OutboxGrantBenefits))
	assert.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoller_SkipsCardsAndTerminal(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	p := NewPoller(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop())
	defer p.Stop()

	card := f.intent
	card.Method = domain.BillingMethodCreditCard
	p.Schedule(card)

	done := f.intent
	done.ID = uuid.New()
	done.Status = domain.PaymentIntentConfirmed
	p.Schedule(done)

	assert.Equal(t, 0, p.Active())
}

func TestPoller_AbandonsIntentWithoutCharge(t *testing.T) {
	for _, method := range []domain.BillingMethod{domain.BillingMethodPix, domain.BillingMethodCreditCard} {
		t.Run(string(method), func(t *testing.T) {
			f := newFixture(t, method, Options{CardRetryLimit: 3})
			intent := dropCharge(t, f)
			opts := fastPollerOptions()
			opts.AbandonAfter = 30 * time.Millisecond
			p := NewPoller(f.reducer, f.gw, f.store, opts, logger.NewNop())
			defer p.Stop()

			p.Schedule(intent)
			assert.Equal(t, 1, p.Active())

			assert.Eventually(t, func() bool {
				got, err := f.store.GetPaymentIntent(context.Background(), f.intent.ID)
				return err == nil && got.Status == domain.PaymentIntentExpired
			}, 2*time.Second, 5*time.Millisecond)

			assert.Equal(t, domain.SubscriptionStatusCanceled, f.subscription(t).Status)
			assert.Equal(t, []domain.OutboxKind{domain.OutboxNotifyPaymentFailed}, f.outboxKinds(t))
			assert.Equal(t, 0, f.gw.StatusCallCount())
			assert.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestPoller_PicksUpChargeAttachedLater(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	chargeID := *f.intent.GatewayChargeID
	intent := dropCharge(t, f)
	p := NewPoller(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop())
	defer p.Stop()

	p.Schedule(intent)

	// повтор оформления привязал списание
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.GetPaymentIntent(ctx, intent.ID)
		if err != nil {
			return err
		}
		cur.GatewayChargeID = &chargeID
		return tx.UpdatePaymentIntent(ctx, cur)
	}))
	f.gw.SetStatus(chargeID, domain.GatewayStatusConfirmed)

	assert.Eventually(t, func() bool {
		return f.subscription(t).Status == domain.SubscriptionStatusActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoller_ResumeIncludesIntentsWithoutCharge(t *testing.T) {
	f := newFixture(t, domain.BillingMethodCreditCard, Options{})
	dropCharge(t, f)
	p := NewPoller(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop())
	defer p.Stop()

	require.NoError(t, p.Resume(context.Background()))
	assert.Equal(t, 1, p.Active())
	assert.Equal(t, 0, f.gw.StatusCallCount())
}

func TestPoller_WebhookCancelsTask(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	opts := fastPollerOptions()
	opts.FastInterval = time.Hour
	opts.SlowInterval = time.Hour
	p := NewPoller(f.reducer, f.gw, f.store, opts, logger.NewNop())
	defer p.Stop()

	p.Schedule(f.intent)
	p.Schedule(f.intent)
	require.Equal(t, 1, p.Active())

	_, err := f.reducer.Apply(context.Background(), f.event(domain.EventSourceWebhook, domain.GatewayStatusConfirmed))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Active())
}

func TestPoller_ResumeAndStop(t *testing.T) {
	f := newFixture(t, domain.BillingMethodBoleto, Options{})
	opts := fastPollerOptions()
	opts.FastInterval = time.Hour
	opts.SlowInterval = time.Hour
	p := NewPoller(f.reducer, f.gw, f.store, opts, logger.NewNop())

	require.NoError(t, p.Resume(context.Background()))
	assert.Equal(t, 1, p.Active())

	p.Stop()
	assert.Equal(t, 0, p.Active())

	p.Schedule(f.intent)
	assert.Equal(t, 0, p.Active())
}

func TestProber_RespectsIntervalAndApplies(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	now := time.Now().UTC()
	opts := fastPollerOptions()
	opts.FastInterval = time.Minute
	prober := NewProber(f.reducer, f.gw, f.store, opts, logger.NewNop()).WithClock(func() time.Time { return now })

	recent := now.Add(-10 * time.Second)
	probed := f.intent
	probed.LastProbeAt = &recent
	got, err := prober.Probe(context.Background(), probed)
	require.NoError(t, err)
	assert.Equal(t, probed, got)
	assert.Equal(t, 0, f.gw.StatusCallCount())

	f.gw.SetStatus(*f.intent.GatewayChargeID, domain.GatewayStatusConfirmed)
	got, err = prober.Probe(context.Background(), f.intent)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentIntentConfirmed, got.Status)
	assert.Equal(t, 1, f.gw.StatusCallCount())
	assert.Equal(t, domain.SubscriptionStatusActive, f.subscription(t).Status)
}

func TestProber_PendingReturnsStoredIntent(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	prober := NewProber(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop())

	got, err := prober.Probe(context.Background(), f.intent)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentIntentGatewayAccepted, got.Status)
	require.NotNil(t, got.LastProbeAt)

	events, err := f.store.ListConfirmationEvents(context.Background(), f.intent.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProber_PastDeadlineExpiresWithoutGatewayCall(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	prober := NewProber(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop()).
		WithClock(func() time.Time { return f.intent.CreatedAt.Add(2 * time.Hour) })

	got, err := prober.Probe(context.Background(), f.intent)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentIntentExpired, got.Status)
	assert.Equal(t, 0, f.gw.StatusCallCount())
}

type blockingFetcher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (b *blockingFetcher) FetchChargeStatus(context.Context, string) (domain.GatewayStatus, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return domain.GatewayStatusAccepted, nil
}

func TestProber_CollapsesConcurrentProbes(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	fetcher := &blockingFetcher{release: make(chan struct{})}
	prober := NewProber(f.reducer, fetcher, f.store, fastPollerOptions(), logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := prober.Probe(context.Background(), f.intent)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, 1, fetcher.calls)
}

func TestProber_IntentWithoutCharge(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	intent := dropCharge(t, f)
	opts := fastPollerOptions()

	early := NewProber(f.reducer, f.gw, f.store, opts, logger.NewNop()).
		WithClock(func() time.Time { return intent.CreatedAt.Add(time.Minute) })
	got, err := early.Probe(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentIntentCreated, got.Status)
	assert.Equal(t, domain.SubscriptionStatusPending, f.subscription(t).Status)

	late := NewProber(f.reducer, f.gw, f.store, opts, logger.NewNop()).
		WithClock(func() time.Time { return intent.CreatedAt.Add(opts.AbandonAfter) })
	got, err = late.Probe(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentIntentExpired, got.Status)
	assert.Equal(t, domain.SubscriptionStatusCanceled, f.subscription(t).Status)
	assert.Equal(t, 0, f.gw.StatusCallCount())
}

func TestProber_GatewayError(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	f.gw.StatusErr = errors.New("connection reset")
	prober := NewProber(f.reducer, f.gw, f.store, fastPollerOptions(), logger.NewNop())

	got, err := prober.Probe(context.Background(), f.intent)
	assert.Error(t, err)
	assert.Equal(t, f.intent.Status, got.Status)
}

func TestWebhookIntake_ProcessesAsynchronously(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	intake := NewWebhookIntake(f.reducer, IntakeOptions{Workers: 2, QueueSize: 4}, logger.NewNop())
	intake.Start()

	n := gateway.Notification{
		EventName:         "PAYMENT_RECEIVED",
		ChargeID:          *f.intent.GatewayChargeID,
		ExternalReference: f.intent.ID.String(),
		Status:            domain.GatewayStatusConfirmed,
		PayloadHash:       "abc",
	}
	require.NoError(t, intake.Submit(context.Background(), n))
	require.NoError(t, intake.Submit(context.Background(), n))
	intake.Stop()

	assert.Equal(t, domain.SubscriptionStatusActive, f.subscription(t).Status)
	events, err := f.store.ListConfirmationEvents(context.Background(), f.intent.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, domain.EventSourceWebhook, e.Source)
		assert.Equal(t, "abc", e.PayloadHash)
	}

	assert.ErrorIs(t, intake.Submit(context.Background(), n), ErrIntakeStopped)
}

func TestWebhookIntake_FullQueue(t *testing.T) {
	f := newFixture(t, domain.BillingMethodPix, Options{})
	// без Start очередь никто не разбирает
	intake := NewWebhookIntake(f.reducer, IntakeOptions{Workers: 1, QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond}, logger.NewNop())

	n := gateway.Notification{ChargeID: *f.intent.GatewayChargeID, Status: domain.GatewayStatusConfirmed}
	require.NoError(t, intake.Submit(context.Background(), n))
	assert.ErrorIs(t, intake.Submit(context.Background(), n), ErrIntakeFull)
}

func TestNotificationEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	e := NotificationEvent(gateway.Notification{ChargeID: "pay_1", ExternalReference: id.String(), Status: domain.GatewayStatusExpired}, at)
	assert.Equal(t, id, e.PaymentIntentID)
	assert.Equal(t, domain.EventSourceWebhook, e.Source)
	assert.Equal(t, at, e.ReceivedAt)

	e = NotificationEvent(gateway.Notification{ChargeID: "pay_1", ExternalReference: "order-77"}, at)
	assert.Equal(t, uuid.Nil, e.PaymentIntentID)
}
