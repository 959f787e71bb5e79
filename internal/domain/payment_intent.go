package domain

import (
	"time"

	"github.com/google/uuid"
)

// BillingMethod способ оплаты
type BillingMethod string

const (
	BillingMethodPix        BillingMethod = "PIX"
	BillingMethodBoleto     BillingMethod = "BOLETO"
	BillingMethodCreditCard BillingMethod = "CREDIT_CARD"
)

// Valid проверяет, что способ оплаты поддерживается
func (m BillingMethod) Valid() bool {
	switch m {
	case BillingMethodPix, BillingMethodBoleto, BillingMethodCreditCard:
		return true
	}
	return false
}

// Deferred true для способов, подтверждение которых приходит позже (PIX, boleto)
func (m BillingMethod) Deferred() bool {
	return m == BillingMethodPix || m == BillingMethodBoleto
}

// PaymentIntentStatus статус попытки оплаты
type PaymentIntentStatus string

const (
	PaymentIntentCreated         PaymentIntentStatus = "CREATED"
	PaymentIntentGatewayAccepted PaymentIntentStatus = "GATEWAY_ACCEPTED"
	PaymentIntentGatewayRejected PaymentIntentStatus = "GATEWAY_REJECTED"
	PaymentIntentConfirmed       PaymentIntentStatus = "CONFIRMED"
	PaymentIntentExpired         PaymentIntentStatus = "EXPIRED"
)

// Terminal true для конечных статусов
func (s PaymentIntentStatus) Terminal() bool {
	switch s {
	case PaymentIntentGatewayRejected, PaymentIntentConfirmed, PaymentIntentExpired:
		return true
	}
	return false
}

// Rank позиция статуса в частичном порядке CREATED < ACCEPTED < {CONFIRMED, REJECTED, EXPIRED}
func (s PaymentIntentStatus) Rank() int {
	switch s {
	case PaymentIntentCreated:
		return 0
	case PaymentIntentGatewayAccepted:
		return 1
	case PaymentIntentConfirmed, PaymentIntentGatewayRejected, PaymentIntentExpired:
		return 2
	}
	return -1
}

// PaymentIntent локальная запись одной попытки списания
type PaymentIntent struct {
	ID              uuid.UUID           `json:"id"`
	IdempotencyKey  string              `json:"idempotency_key"`
	CustomerID      uuid.UUID           `json:"customer_id"`
	SubscriptionID  uuid.UUID           `json:"subscription_id"`
	PlanID          string              `json:"plan_id"`
	Period          BillingPeriod       `json:"period"`
	Method          BillingMethod       `json:"method"`
	AmountCents     int64               `json:"amount_cents"`
	Currency        string              `json:"currency"`
	GatewayChargeID *string             `json:"gateway_charge_id,omitempty"`
	Status          PaymentIntentStatus `json:"status"`
	Version         int64               `json:"version"`
	PixPayload      string              `json:"pix_payload,omitempty"`
	BankSlipURL     string              `json:"bank_slip_url,omitempty"`
	ExpiresAt       time.Time           `json:"expires_at"`
	LastProbeAt     *time.Time          `json:"last_probe_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// HasCharge true, если шлюз уже выдал идентификатор списания
func (pi PaymentIntent) HasCharge() bool {
	return pi.GatewayChargeID != nil && *pi.GatewayChargeID != ""
}

// ChargeRef ссылка для ключа дедупликации: id списания или, если его нет, id намерения
func (pi PaymentIntent) ChargeRef() string {
	if pi.HasCharge() {
		return *pi.GatewayChargeID
	}
	return "intent:" + pi.ID.String()
}

// ProbeDue true, если последний опрос шлюза старше interval
func (pi PaymentIntent) ProbeDue(now time.Time, interval time.Duration) bool {
	if pi.Status.Terminal() || !pi.HasCharge() {
		return false
	}
	if pi.LastProbeAt == nil {
		return true
	}
	return now.Sub(*pi.LastProbeAt) >= interval
}
