package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxKind тип побочного эффекта
type OutboxKind string

const (
	OutboxGrantBenefits       OutboxKind = "grant-benefits"
	OutboxRevokeBenefits      OutboxKind = "revoke-benefits"
	OutboxNotifyAdminNew      OutboxKind = "notify-admin:new-subscriber"
	OutboxNotifyActivated     OutboxKind = "notify-subscriber:activated"
	OutboxNotifySuspended     OutboxKind = "notify-subscriber:suspended"
	OutboxNotifyExpired       OutboxKind = "notify-subscriber:expired"
	OutboxNotifyCanceled      OutboxKind = "notify-subscriber:canceled"
	OutboxNotifyPaymentFailed OutboxKind = "notify-subscriber:payment-failed"
)

// OutboxKinds все известные типы (для создания топиков)
var OutboxKinds = []OutboxKind{
	OutboxGrantBenefits,
	OutboxRevokeBenefits,
	OutboxNotifyAdminNew,
	OutboxNotifyActivated,
	OutboxNotifySuspended,
	OutboxNotifyExpired,
	OutboxNotifyCanceled,
	OutboxNotifyPaymentFailed,
}

// OutboxStatus статус доставки строки outbox
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxMessage строка транзакционного outbox.
// Пара (TransitionKey, Kind) уникальна.
type OutboxMessage struct {
	ID              uuid.UUID       `json:"id"`
	Kind            OutboxKind      `json:"kind"`
	TransitionKey   string          `json:"transition_key"`
	SubscriptionID  uuid.UUID       `json:"subscription_id"`
	CustomerID      uuid.UUID       `json:"customer_id"`
	PaymentIntentID uuid.UUID       `json:"payment_intent_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Status          OutboxStatus    `json:"status"`
	Attempts        int             `json:"attempts"`
	NextAttemptAt   time.Time       `json:"next_attempt_at"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
}

// LedgerKind тип бонусного счета
type LedgerKind string

const (
	LedgerPoints   LedgerKind = "points"
	LedgerCashback LedgerKind = "cashback"
)

// LedgerEntry движение по бонусному счету подписки. Записи не изменяются.
type LedgerEntry struct {
	ID              uuid.UUID  `json:"id"`
	SubscriptionID  uuid.UUID  `json:"subscription_id"`
	Kind            LedgerKind `json:"kind"`
	Delta           int64      `json:"delta"`
	Reason          string     `json:"reason"`
	PaymentIntentID uuid.UUID  `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
