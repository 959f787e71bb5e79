// Package gateway описывает платежный шлюз и общую политику повторов.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
)

// CustomerRef идентификатор клиента в шлюзе
type CustomerRef struct {
	ID string
}

// ChargeRequest параметры списания
type ChargeRequest struct {
	// IntentID уходит в шлюз как externalReference; по нему ищется уже созданное списание
	IntentID    uuid.UUID
	Customer    CustomerRef
	Method      domain.BillingMethod
	AmountCents int64
	Period      domain.BillingPeriod
	Description string
	DueDate     time.Time
	// CardToken одноразовый токен карты; только для CREDIT_CARD, никогда не сохраняется
	CardToken string
	RemoteIP  string
}

// Charge ответ шлюза на создание списания
type Charge struct {
	ID          string
	Status      domain.GatewayStatus
	PixPayload  string
	PixImage    string
	BankSlipURL string
	DueDate     time.Time
}

// CardToken результат токенизации карты
type CardToken struct {
	Token string
	Brand string
	Last4 string
}

// Gateway операции платежного шлюза
type Gateway interface {
	// FindOrCreateCustomer ищет клиента по CPF/CNPJ и создает его, если не найден
	FindOrCreateCustomer(ctx context.Context, taxID string, profile domain.CustomerProfile) (CustomerRef, error)
	// CreateCharge создает списание; повторный вызов с тем же IntentID возвращает существующее
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	TokenizeCard(ctx context.Context, customer CustomerRef, card domain.CardFields, holder domain.CustomerProfile, remoteIP string) (CardToken, error)
	FetchChargeStatus(ctx context.Context, chargeID string) (domain.GatewayStatus, error)
}

// Notification проверенное уведомление шлюза о статусе списания
type Notification struct {
	EventID           string
	EventName         string
	ChargeID          string
	ExternalReference string
	Status            domain.GatewayStatus
	PayloadHash       string
}

// WebhookParser проверяет подлинность вебхука и разбирает его.
// Непроверенный вебхук дает ошибку domain.ErrUnverifiedWebhook.
type WebhookParser interface {
	ParseWebhook(header http.Header, body []byte) (Notification, error)
}
