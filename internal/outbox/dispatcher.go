// Package outbox решает, какие побочные эффекты порождает переход подписки,
// и доставляет строки outbox во внешние очереди.
package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
)

// Event тело сообщения, которое получают отправители уведомлений и сервис бонусов
type Event struct {
	ID              uuid.UUID                 `json:"id"`
	Kind            domain.OutboxKind         `json:"kind"`
	TransitionKey   string                    `json:"transition_key"`
	SubscriptionID  uuid.UUID                 `json:"subscription_id"`
	CustomerID      uuid.UUID                 `json:"customer_id"`
	PlanID          string                    `json:"plan_id"`
	PaymentIntentID uuid.UUID                 `json:"payment_intent_id,omitempty"`
	AmountCents     int64                     `json:"amount_cents,omitempty"`
	Method          domain.BillingMethod      `json:"method,omitempty"`
	From            domain.SubscriptionStatus `json:"from"`
	To              domain.SubscriptionStatus `json:"to"`
	Trigger         domain.SubscriptionEvent  `json:"trigger"`
	PlanEndDate     *time.Time                `json:"plan_end_date,omitempty"`
	OccurredAt      time.Time                 `json:"occurred_at"`
}

// Dispatcher переводит переход в набор строк outbox.
// Одна строка на (переход, тип); уникальность (TransitionKey, Kind) держит хранилище.
type Dispatcher struct {
	now func() time.Time
}

// NewDispatcher создает Dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{now: time.Now}
}

// Kinds типы эффектов для перехода
func Kinds(t domain.Transition) []domain.OutboxKind {
	switch {
	case t.IsActivation():
		return []domain.OutboxKind{
			domain.OutboxGrantBenefits,
			domain.OutboxNotifyAdminNew,
			domain.OutboxNotifyActivated,
		}
	case t.From == domain.SubscriptionStatusSuspended && t.To == domain.SubscriptionStatusActive:
		return []domain.OutboxKind{domain.OutboxGrantBenefits, domain.OutboxNotifyActivated}
	case t.To == domain.SubscriptionStatusSuspended:
		return []domain.OutboxKind{domain.OutboxRevokeBenefits, domain.OutboxNotifySuspended}
	case t.To == domain.SubscriptionStatusExpired:
		return []domain.OutboxKind{domain.OutboxRevokeBenefits, domain.OutboxNotifyExpired}
	case t.To == domain.SubscriptionStatusCanceled && t.From == domain.SubscriptionStatusPending:
		return []domain.OutboxKind{domain.OutboxNotifyPaymentFailed}
	case t.To == domain.SubscriptionStatusCanceled:
		return []domain.OutboxKind{domain.OutboxRevokeBenefits, domain.OutboxNotifyCanceled}
	}
	// PENDING -> PENDING (повтор по карте) эффектов не порождает
	return nil
}

// Plan строки outbox для перехода
func (d *Dispatcher) Plan(t domain.Transition, sub domain.Subscription, intent *domain.PaymentIntent) []domain.OutboxMessage {
	kinds := Kinds(t)
	if len(kinds) == 0 {
		return nil
	}

	createdAt := t.At
	if createdAt.IsZero() {
		createdAt = d.now().UTC()
	}

	msgs := make([]domain.OutboxMessage, 0, len(kinds))
	for _, kind := range kinds {
		ev := Event{
			ID:             uuid.New(),
			Kind:           kind,
			TransitionKey:  t.Key(),
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			PlanID:         sub.PlanID,
			From:           t.From,
			To:             t.To,
			Trigger:        t.Event,
			PlanEndDate:    sub.PlanEndDate,
			OccurredAt:     createdAt,
		}
		if intent != nil {
			ev.PaymentIntentID = intent.ID
			ev.AmountCents = intent.AmountCents
			ev.Method = intent.Method
		}

		// Event состоит из простых типов, ошибка маршалинга невозможна
		payload, _ := json.Marshal(ev)

		msgs = append(msgs, domain.OutboxMessage{
			ID:              ev.ID,
			Kind:            kind,
			TransitionKey:   ev.TransitionKey,
			SubscriptionID:  sub.ID,
			CustomerID:      sub.CustomerID,
			PaymentIntentID: ev.PaymentIntentID,
			Payload:         payload,
			Status:          domain.OutboxStatusPending,
			NextAttemptAt:   createdAt,
			CreatedAt:       createdAt,
		})
	}
	return msgs
}

// TopicName имя топика/ключа маршрутизации для типа: "checkout.notify-subscriber.activated"
func TopicName(prefix string, kind domain.OutboxKind) string {
	name := strings.ReplaceAll(string(kind), ":", ".")
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
