package repository

import (
	"context"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
)

// Tx операции, выполняемые внутри одной транзакции хранилища.
// Update-методы с версией возвращают ErrVersionConflict, если запись изменилась с момента чтения.
type Tx interface {
	GetCustomerByTaxID(ctx context.Context, taxID string) (domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) error
	// SetGatewayCustomerID связывает клиента со шлюзом; повторная привязка к другому id запрещена
	SetGatewayCustomerID(ctx context.Context, customerID uuid.UUID, gatewayCustomerID string) error

	CreatePaymentIntent(ctx context.Context, intent domain.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, id uuid.UUID) (domain.PaymentIntent, error)
	GetPaymentIntentByChargeID(ctx context.Context, chargeID string) (domain.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, intent domain.PaymentIntent) error

	CreateSubscription(ctx context.Context, sub domain.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub domain.Subscription) error

	// AppendConfirmationEvent добавляет событие в журнал.
	// Второе событие с outcome=applied и тем же DedupKey дает ErrDuplicate.
	AppendConfirmationEvent(ctx context.Context, event domain.ConfirmationEvent) error
	IsEventApplied(ctx context.Context, dedupKey string) (bool, error)

	// InsertOutbox добавляет строки outbox; повтор (TransitionKey, Kind) дает ErrDuplicate
	InsertOutbox(ctx context.Context, messages ...domain.OutboxMessage) error

	AppendLedgerEntries(ctx context.Context, entries ...domain.LedgerEntry) error
}

// SubscriptionFilter выборка подписок для планировщика
type SubscriptionFilter struct {
	Statuses          []domain.SubscriptionStatus
	Periods           []domain.BillingPeriod
	NextBillingBefore *time.Time
	PlanEndBefore     *time.Time
	Limit             int
}

// OutboxFilter выборка строк outbox
type OutboxFilter struct {
	SubscriptionID *uuid.UUID
	Status         domain.OutboxStatus
	Kind           domain.OutboxKind
}

// Store хранилище движка: единица работы плюс чтения вне транзакции
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetPaymentIntent(ctx context.Context, id uuid.UUID) (domain.PaymentIntent, error)
	GetPaymentIntentByKey(ctx context.Context, idempotencyKey string) (domain.PaymentIntent, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (domain.Customer, error)

	// ListOpenPaymentIntents незавершенные намерения (для возобновления опроса)
	ListOpenPaymentIntents(ctx context.Context, limit int) ([]domain.PaymentIntent, error)
	// TouchProbe фиксирует время последнего опроса шлюза; статус не меняет
	TouchProbe(ctx context.Context, intentID uuid.UUID, at time.Time) error

	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]domain.Subscription, error)
	ListConfirmationEvents(ctx context.Context, intentID uuid.UUID) ([]domain.ConfirmationEvent, error)
	ListOutbox(ctx context.Context, filter OutboxFilter) ([]domain.OutboxMessage, error)
	ListLedgerEntries(ctx context.Context, subscriptionID uuid.UUID) ([]domain.LedgerEntry, error)

	// ClaimOutbox выдает до limit готовых к отправке строк и откладывает их на lease,
	// чтобы параллельный воркер не взял те же строки
	ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOutboxRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error
}

// PlanReader источник планов (только чтение)
type PlanReader interface {
	GetPlan(ctx context.Context, id string) (domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
}
