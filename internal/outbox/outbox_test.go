package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func transition(from, to domain.SubscriptionStatus, event domain.SubscriptionEvent) domain.Transition {
	return domain.Transition{
		SubscriptionID: uuid.New(),
		From:           from,
		To:             to,
		Event:          event,
		Version:        2,
		At:             testNow,
	}
}

func TestKinds(t *testing.T) {
	tests := []struct {
		name string
		tr   domain.Transition
		want []domain.OutboxKind
	}{
		{
			name: "activation",
			tr:   transition(domain.SubscriptionStatusPending, domain.SubscriptionStatusActive, domain.EventPaymentConfirmed),
			want: []domain.OutboxKind{domain.OutboxGrantBenefits, domain.OutboxNotifyAdminNew, domain.OutboxNotifyActivated},
		},
		{
			name: "reactivation",
			tr:   transition(domain.SubscriptionStatusSuspended, domain.SubscriptionStatusActive, domain.EventPaymentConfirmed),
			want: []domain.OutboxKind{domain.OutboxGrantBenefits, domain.OutboxNotifyActivated},
		},
		{
			name: "suspension",
			tr:   transition(domain.SubscriptionStatusActive, domain.SubscriptionStatusSuspended, domain.EventGracePeriodElapsed),
			want: []domain.OutboxKind{domain.OutboxRevokeBenefits, domain.OutboxNotifySuspended},
		},
		{
			name: "expiry",
			tr:   transition(domain.SubscriptionStatusSuspended, domain.SubscriptionStatusExpired, domain.EventPlanWindowElapsed),
			want: []domain.OutboxKind{domain.OutboxRevokeBenefits, domain.OutboxNotifyExpired},
		},
		{
			name: "cancel active",
			tr:   transition(domain.SubscriptionStatusActive, domain.SubscriptionStatusCanceled, domain.EventAdminCancel),
			want: []domain.OutboxKind{domain.OutboxRevokeBenefits, domain.OutboxNotifyCanceled},
		},
		{
			name: "payment failed",
			tr:   transition(domain.SubscriptionStatusPending, domain.SubscriptionStatusCanceled, domain.EventPaymentFailed),
			want: []domain.OutboxKind{domain.OutboxNotifyPaymentFailed},
		},
		{
			name: "card retry",
			tr:   transition(domain.SubscriptionStatusPending, domain.SubscriptionStatusPending, domain.EventPaymentRetry),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kinds(tt.tr))
		})
	}
}

func TestDispatcher_PlanCarriesTransitionKey(t *testing.T) {
	d := NewDispatcher()
	tr := transition(domain.SubscriptionStatusPending, domain.SubscriptionStatusActive, domain.EventPaymentConfirmed)
	sub := domain.Subscription{ID: tr.SubscriptionID, CustomerID: uuid.New(), PlanID: "pro"}
	intent := &domain.PaymentIntent{ID: uuid.New(), AmountCents: 4990, Method: domain.BillingMethodPix}

	msgs := d.Plan(tr, sub, intent)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, tr.Key(), m.TransitionKey)
		assert.Equal(t, domain.OutboxStatusPending, m.Status)
		assert.Equal(t, testNow, m.NextAttemptAt)

		var ev Event
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		assert.Equal(t, m.ID, ev.ID)
		assert.Equal(t, "pro", ev.PlanID)
		assert.Equal(t, intent.ID, ev.PaymentIntentID)
		assert.Equal(t, int64(4990), ev.AmountCents)
	}
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "checkout.notify-subscriber.activated", TopicName("checkout", domain.OutboxNotifyActivated))
	assert.Equal(t, "grant-benefits", TopicName("", domain.OutboxGrantBenefits))
}

type recordingPublisher struct {
	mu    sync.Mutex
	sent  []domain.OutboxMessage
	fails int
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func enqueue(t *testing.T, store *repository.InMemoryStore, n int) {
	t.Helper()
	d := NewDispatcher()
	for i := 0; i < n; i++ {
		tr := transition(domain.SubscriptionStatusPending, domain.SubscriptionStatusActive, domain.EventPaymentConfirmed)
		sub := domain.Subscription{ID: tr.SubscriptionID, CustomerID: uuid.New(), PlanID: "pro"}
		err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.InsertOutbox(ctx, d.Plan(tr, sub, nil)...)
		})
		require.NoError(t, err)
	}
}

func TestWorker_DeliversAndMarks(t *testing.T) {
	store := repository.NewInMemoryStore()
	enqueue(t, store, 2)
	pub := &recordingPublisher{}

	w := NewWorker(store, pub, WorkerOptions{BatchSize: 10}, nil, logger.NewNop()).
		WithClock(func() time.Time { return testNow })

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Len(t, pub.sent, 6)

	delivered, err := store.ListOutbox(context.Background(), repository.OutboxFilter{Status: domain.OutboxStatusDelivered})
	require.NoError(t, err)
	assert.Len(t, delivered, 6)

	n, err = w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	store := repository.NewInMemoryStore()
	enqueue(t, store, 1)
	pub := &recordingPublisher{fails: 100}

	now := testNow
	w := NewWorker(store, pub, WorkerOptions{BatchSize: 10, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, nil, logger.NewNop()).
		WithClock(func() time.Time { return now })

	_, err := w.DrainOnce(context.Background())
	require.NoError(t, err)

	pending, err := store.ListOutbox(context.Background(), repository.OutboxFilter{Status: domain.OutboxStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, m := range pending {
		assert.Equal(t, 1, m.Attempts)
		assert.Equal(t, testNow.Add(time.Second), m.NextAttemptAt)
		assert.Equal(t, "broker unavailable", m.LastError)
	}

	// до NextAttemptAt строки не выдаются
	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 2; i++ {
		now = now.Add(time.Hour)
		_, err = w.DrainOnce(context.Background())
		require.NoError(t, err)
	}

	failed, err := store.ListOutbox(context.Background(), repository.OutboxFilter{Status: domain.OutboxStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 3)
}

func TestWorker_RetryDelayIsCapped(t *testing.T) {
	w := NewWorker(nil, nil, WorkerOptions{BaseDelay: time.Second, MaxDelay: 10 * time.Second}, nil, logger.NewNop())
	assert.Equal(t, time.Second, w.retryDelay(1))
	assert.Equal(t, 2*time.Second, w.retryDelay(2))
	assert.Equal(t, 8*time.Second, w.retryDelay(4))
	assert.Equal(t, 10*time.Second, w.retryDelay(5))
	assert.Equal(t, 10*time.Second, w.retryDelay(50))
}

func TestWorker_StartStop(t *testing.T) {
	store := repository.NewInMemoryStore()
	enqueue(t, store, 1)
	pub := &recordingPublisher{}

	w := NewWorker(store, pub, WorkerOptions{PollInterval: 10 * time.Millisecond}, nil, logger.NewNop())
	w.Start(context.Background())

	assert.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) == 3
	}, time.Second, 10*time.Millisecond)
	w.Stop()
}
