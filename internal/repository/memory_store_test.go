package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIntent(t *testing.T, store *InMemoryStore) (domain.PaymentIntent, domain.Subscription) {
	t.Helper()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	customer := domain.Customer{ID: uuid.New(), TaxID: "12345678909", Name: "Ana", Email: "ana@example.com", CreatedAt: now}
	intent := domain.PaymentIntent{
		ID:             uuid.New(),
		IdempotencyKey: "key-" + uuid.NewString(),
		CustomerID:     customer.ID,
		PlanID:         "pro",
		Period:         domain.BillingPeriodMonthly,
		Method:         domain.BillingMethodPix,
		AmountCents:    4990,
		Currency:       "BRL",
		Status:         domain.PaymentIntentCreated,
		ExpiresAt:      now.Add(30 * time.Minute),
		CreatedAt:      now,
	}
	sub := domain.Subscription{
		ID:                  uuid.New(),
		CustomerID:          customer.ID,
		PlanID:              "pro",
		Period:              domain.BillingPeriodMonthly,
		Status:              domain.SubscriptionStatusPending,
		LastPaymentIntentID: intent.ID,
		CreatedAt:           now,
	}
	intent.SubscriptionID = sub.ID

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.CreateCustomer(ctx, customer); err != nil {
			return err
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.CreatePaymentIntent(ctx, intent)
	})
	require.NoError(t, err)
	return intent, sub
}

func TestInMemoryStore_RollbackOnError(t *testing.T) {
	store := NewInMemoryStore()
	intent, _ := seedIntent(t, store)

	boom := errors.New("boom")
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		pi, err := tx.GetPaymentIntent(ctx, intent.ID)
		require.NoError(t, err)
		pi.Status = domain.PaymentIntentConfirmed
		require.NoError(t, tx.UpdatePaymentIntent(ctx, pi))
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := store.GetPaymentIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentIntentCreated, stored.Status)
	assert.Equal(t, int64(0), stored.Version)
}

func TestInMemoryStore_VersionConflict(t *testing.T) {
	store := NewInMemoryStore()
	_, sub := seedIntent(t, store)
	ctx := context.Background()

	stale, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		s, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		s.Status = domain.SubscriptionStatusActive
		return tx.UpdateSubscription(ctx, s)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		stale.Status = domain.SubscriptionStatusCanceled
		return tx.UpdateSubscription(ctx, stale)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	current, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, current.Status)
	assert.Equal(t, int64(1), current.Version)
}

func TestInMemoryStore_AppliedEventUnique(t *testing.T) {
	store := NewInMemoryStore()
	intent, _ := seedIntent(t, store)
	ctx := context.Background()

	key := domain.DedupKey("pay_123", domain.GatewayStatusConfirmed)
	event := func(outcome domain.EventOutcome) domain.ConfirmationEvent {
		return domain.ConfirmationEvent{
			ID:              uuid.New(),
			Source:          domain.EventSourceWebhook,
			GatewayChargeID: "pay_123",
			PaymentIntentID: intent.ID,
			DedupKey:        key,
			ReportedStatus:  domain.GatewayStatusConfirmed,
			Outcome:         outcome,
		}
	}

	tests := []struct {
		name    string
		outcome domain.EventOutcome
		wantErr error
	}{
		{"first applied", domain.EventOutcomeApplied, nil},
		{"duplicate is recorded", domain.EventOutcomeDuplicate, nil},
		{"second applied rejected", domain.EventOutcomeApplied, ErrDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.AppendConfirmationEvent(ctx, event(tt.outcome))
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	events, err := store.ListConfirmationEvents(ctx, intent.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		applied, err := tx.IsEventApplied(ctx, key)
		assert.True(t, applied)
		return err
	})
	require.NoError(t, err)
}

func TestInMemoryStore_OutboxUniquePerTransition(t *testing.T) {
	store := NewInMemoryStore()
	_, sub := seedIntent(t, store)
	ctx := context.Background()

	msg := domain.OutboxMessage{
		ID:             uuid.New(),
		Kind:           domain.OutboxGrantBenefits,
		TransitionKey:  sub.ID.String() + ":1",
		SubscriptionID: sub.ID,
		Status:         domain.OutboxStatusPending,
	}
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOutbox(ctx, msg)
	}))

	dup := msg
	dup.ID = uuid.New()
	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOutbox(ctx, dup)
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	rows, err := store.ListOutbox(ctx, OutboxFilter{SubscriptionID: &sub.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInMemoryStore_ClaimOutboxLease(t *testing.T) {
	store := NewInMemoryStore()
	_, sub := seedIntent(t, store)
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOutbox(ctx,
			domain.OutboxMessage{ID: uuid.New(), Kind: domain.OutboxGrantBenefits, TransitionKey: "t:1", SubscriptionID: sub.ID, Status: domain.OutboxStatusPending, NextAttemptAt: now},
			domain.OutboxMessage{ID: uuid.New(), Kind: domain.OutboxNotifyActivated, TransitionKey: "t:1", SubscriptionID: sub.ID, Status: domain.OutboxStatusPending, NextAttemptAt: now.Add(time.Hour)},
		)
	}))

	claimed, err := store.ClaimOutbox(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.OutboxGrantBenefits, claimed[0].Kind)

	again, err := store.ClaimOutbox(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.MarkOutboxDelivered(ctx, claimed[0].ID, now))
	delivered, err := store.ListOutbox(ctx, OutboxFilter{Status: domain.OutboxStatusDelivered})
	require.NoError(t, err)
	assert.Len(t, delivered, 1)
}

func TestInMemoryStore_GatewayCustomerLinkedOnce(t *testing.T) {
	store := NewInMemoryStore()
	intent, _ := seedIntent(t, store)
	ctx := context.Background()

	link := func(id string) error {
		return store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.SetGatewayCustomerID(ctx, intent.CustomerID, id)
		})
	}
	require.NoError(t, link("cus_1"))
	require.NoError(t, link("cus_1"))
	assert.ErrorIs(t, link("cus_2"), ErrDuplicate)
}

func TestInMemoryStore_ListSubscriptionsFilter(t *testing.T) {
	store := NewInMemoryStore()
	_, sub := seedIntent(t, store)
	ctx := context.Background()

	due := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		s, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		s.Status = domain.SubscriptionStatusActive
		s.NextBillingDate = &due
		return tx.UpdateSubscription(ctx, s)
	}))

	before := due.Add(time.Hour)
	found, err := store.ListSubscriptions(ctx, SubscriptionFilter{
		Statuses:          []domain.SubscriptionStatus{domain.SubscriptionStatusActive},
		NextBillingBefore: &before,
	})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	early := due.Add(-time.Hour)
	found, err = store.ListSubscriptions(ctx, SubscriptionFilter{NextBillingBefore: &early})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = store.ListSubscriptions(ctx, SubscriptionFilter{Periods: []domain.BillingPeriod{domain.BillingPeriodOneTime}})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = store.ListSubscriptions(ctx, SubscriptionFilter{
		Periods: []domain.BillingPeriod{domain.BillingPeriodMonthly, domain.BillingPeriodYearly},
	})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}
