package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Input вход перехода
type Input struct {
	Event domain.SubscriptionEvent
	// Plan нужен для окна оплаты и бонусов при активации
	Plan domain.Plan
	// Intent намерение оплаты, вызвавшее переход (для событий оплаты)
	Intent *domain.PaymentIntent
	At     time.Time
	Reason string
}

// EffectPlanner решает, какие строки outbox порождает переход
type EffectPlanner interface {
	Plan(t domain.Transition, sub domain.Subscription, intent *domain.PaymentIntent) []domain.OutboxMessage
}

// Observer получает принятые и отклоненные переходы (метрики)
type Observer interface {
	ObserveTransition(from, to domain.SubscriptionStatus, event domain.SubscriptionEvent)
	ObserveInvalidTransition(from domain.SubscriptionStatus, event domain.SubscriptionEvent)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(domain.SubscriptionStatus, domain.SubscriptionStatus, domain.SubscriptionEvent) {
}
func (nopObserver) ObserveInvalidTransition(domain.SubscriptionStatus, domain.SubscriptionEvent) {}

// Machine применяет таблицу переходов к подписке
type Machine struct {
	effects  EffectPlanner
	observer Observer
	log      *logger.Logger
}

// NewMachine создает автомат. effects и observer могут быть nil.
func NewMachine(effects EffectPlanner, observer Observer, log *logger.Logger) *Machine {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Machine{effects: effects, observer: observer, log: log}
}

// Apply чистая функция перехода. Возвращает подписку с новым статусом и датами;
// Version в результате остается прежней, новая версия записана в Transition.
func (m *Machine) Apply(sub domain.Subscription, in Input) (domain.Subscription, domain.Transition, error) {
	to, err := Next(sub.Status, in.Event)
	if err != nil {
		var te *domain.TransitionError
		if errors.As(err, &te) {
			te.SubscriptionID = sub.ID.String()
		}
		return sub, domain.Transition{}, err
	}

	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	next := sub
	next.Status = to
	if in.Intent != nil {
		next.LastPaymentIntentID = in.Intent.ID
	}

	switch in.Event {
	case domain.EventPaymentConfirmed:
		end := in.Plan.WindowEnd(sub.Period, at)
		if next.PlanStartDate == nil {
			next.PlanStartDate = timePtr(at)
		}
		next.PlanEndDate = timePtr(end)
		if sub.Period.Recurring() {
			next.NextBillingDate = timePtr(end)
		} else {
			next.NextBillingDate = nil
		}
		if next.ActivatedAt == nil {
			next.ActivatedAt = timePtr(at)
		}
		next.SuspendedAt = nil
		next.RetryCount = 0

		points, cashback := rewards(in)
		next.PointsBalance += points
		next.CashbackBalanceCents += cashback

	case domain.EventPaymentRetry:
		next.RetryCount++

	case domain.EventPaymentFailed, domain.EventAdminCancel:
		next.CanceledAt = timePtr(at)
		next.CancelReason = in.Reason
		if next.CancelReason == "" {
			next.CancelReason = string(in.Event)
		}
		next.NextBillingDate = nil

	case domain.EventGracePeriodElapsed:
		next.SuspendedAt = timePtr(at)

	case domain.EventPlanWindowElapsed:
		next.NextBillingDate = nil
	}

	t := domain.Transition{
		SubscriptionID: sub.ID,
		From:           sub.Status,
		To:             to,
		Event:          in.Event,
		Version:        sub.Version + 1,
		At:             at,
	}
	if in.Intent != nil {
		t.PaymentIntentID = in.Intent.ID
	}
	return next, t, nil
}

// ApplyInTx применяет переход внутри транзакции: обновляет подписку с проверкой версии,
// пишет бонусы в ledger и строки outbox. Возвращает подписку с новой версией.
func (m *Machine) ApplyInTx(ctx context.Context, tx repository.Tx, sub domain.Subscription, in Input) (domain.Subscription, domain.Transition, error) {
	next, t, err := m.Apply(sub, in)
	if err != nil {
		m.observer.ObserveInvalidTransition(sub.Status, in.Event)
		m.log.Errorw("Invalid subscription transition",
			"subscription_id", sub.ID,
			"from", sub.Status,
			"event", in.Event,
		)
		return sub, domain.Transition{}, err
	}

	if err := tx.UpdateSubscription(ctx, next); err != nil {
		return sub, domain.Transition{}, fmt.Errorf("failed to update subscription: %w", err)
	}
	next.Version = t.Version

	if entries := ledgerEntries(next, t, in); len(entries) > 0 {
		if err := tx.AppendLedgerEntries(ctx, entries...); err != nil {
			return sub, domain.Transition{}, fmt.Errorf("failed to append ledger entries: %w", err)
		}
	}

	if m.effects != nil {
		if msgs := m.effects.Plan(t, next, in.Intent); len(msgs) > 0 {
			if err := tx.InsertOutbox(ctx, msgs...); err != nil {
				return sub, domain.Transition{}, fmt.Errorf("failed to enqueue side effects: %w", err)
			}
		}
	}

	m.observer.ObserveTransition(t.From, t.To, t.Event)
	m.log.Infow("Subscription transition applied",
		"subscription_id", sub.ID,
		"from", t.From,
		"to", t.To,
		"event", t.Event,
		"version", t.Version,
	)
	return next, t, nil
}

func rewards(in Input) (points, cashback int64) {
	if in.Event != domain.EventPaymentConfirmed {
		return 0, 0
	}
	points = in.Plan.RewardPoints
	if in.Intent != nil {
		cashback = in.Plan.CashbackFor(in.Intent.AmountCents)
	}
	return points, cashback
}

func ledgerEntries(sub domain.Subscription, t domain.Transition, in Input) []domain.LedgerEntry {
	points, cashback := rewards(in)
	reason := "activation"
	if t.From == domain.SubscriptionStatusSuspended {
		reason = "reactivation"
	}

	var entries []domain.LedgerEntry
	if points > 0 {
		entries = append(entries, domain.LedgerEntry{
			ID:              uuid.New(),
			SubscriptionID:  sub.ID,
			Kind:            domain.LedgerPoints,
			Delta:           points,
			Reason:          reason,
			PaymentIntentID: t.PaymentIntentID,
			CreatedAt:       t.At,
		})
	}
	if cashback > 0 {
		entries = append(entries, domain.LedgerEntry{
			ID:              uuid.New(),
			SubscriptionID:  sub.ID,
			Kind:            domain.LedgerCashback,
			Delta:           cashback,
			Reason:          reason,
			PaymentIntentID: t.PaymentIntentID,
			CreatedAt:       t.At,
		})
	}
	return entries
}

func timePtr(t time.Time) *time.Time {
	return &t
}
