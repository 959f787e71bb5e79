package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "PENDING"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusSuspended SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
	SubscriptionStatusCanceled  SubscriptionStatus = "CANCELED"

	// Вне таблицы переходов: до покупки и административные
	SubscriptionStatusGuest    SubscriptionStatus = "GUEST"
	SubscriptionStatusInactive SubscriptionStatus = "INACTIVE"
)

// Terminal true для конечных статусов линии подписки
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusExpired || s == SubscriptionStatusCanceled
}

// SubscriptionEvent вход конечного автомата подписки
type SubscriptionEvent string

const (
	EventPaymentConfirmed   SubscriptionEvent = "payment_confirmed"
	EventPaymentFailed      SubscriptionEvent = "payment_failed"
	EventPaymentRetry       SubscriptionEvent = "payment_retry"
	EventGracePeriodElapsed SubscriptionEvent = "grace_period_elapsed"
	EventPlanWindowElapsed  SubscriptionEvent = "plan_window_elapsed"
	EventAdminCancel        SubscriptionEvent = "admin_cancel"
)

// Subscription представляет собой модель подписки.
// Изменяется только конечным автоматом; Version растет на каждом переходе.
type Subscription struct {
	ID                   uuid.UUID          `json:"id"`
	CustomerID           uuid.UUID          `json:"customer_id"`
	PlanID               string             `json:"plan_id"`
	Period               BillingPeriod      `json:"period"`
	Status               SubscriptionStatus `json:"status"`
	Version              int64              `json:"version"`
	LastPaymentIntentID  uuid.UUID          `json:"last_payment_intent_id"`
	NextBillingDate      *time.Time         `json:"next_billing_date,omitempty"`
	PlanStartDate        *time.Time         `json:"plan_start_date,omitempty"`
	PlanEndDate          *time.Time         `json:"plan_end_date,omitempty"`
	RetryCount           int                `json:"retry_count"`
	PointsBalance        int64              `json:"points_balance"`
	CashbackBalanceCents int64              `json:"cashback_balance_cents"`
	ActivatedAt          *time.Time         `json:"activated_at,omitempty"`
	SuspendedAt          *time.Time         `json:"suspended_at,omitempty"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	CancelReason         string             `json:"cancel_reason,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Transition принятый переход подписки
type Transition struct {
	SubscriptionID  uuid.UUID          `json:"subscription_id"`
	From            SubscriptionStatus `json:"from"`
	To              SubscriptionStatus `json:"to"`
	Event           SubscriptionEvent  `json:"event"`
	Version         int64              `json:"version"` // версия подписки после перехода
	PaymentIntentID uuid.UUID          `json:"payment_intent_id,omitempty"`
	At              time.Time          `json:"at"`
}

// Key идентификатор перехода, уникальный в пределах подписки
func (t Transition) Key() string {
	return fmt.Sprintf("%s:%d", t.SubscriptionID, t.Version)
}

// IsActivation переход PENDING -> ACTIVE
func (t Transition) IsActivation() bool {
	return t.From == SubscriptionStatusPending && t.To == SubscriptionStatusActive
}
