package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// EventSource канал, по которому пришло подтверждение
type EventSource string

const (
	EventSourceWebhook  EventSource = "WEBHOOK"
	EventSourcePoll     EventSource = "POLL"
	EventSourceCheckout EventSource = "CHECKOUT" // синхронный ответ шлюза при оформлении
)

// GatewayStatus нормализованный статус списания в шлюзе
type GatewayStatus string

const (
	GatewayStatusCreated   GatewayStatus = "CREATED"
	GatewayStatusAccepted  GatewayStatus = "ACCEPTED"
	GatewayStatusConfirmed GatewayStatus = "CONFIRMED"
	GatewayStatusRejected  GatewayStatus = "REJECTED"
	GatewayStatusExpired   GatewayStatus = "EXPIRED"
	GatewayStatusUnknown   GatewayStatus = "UNKNOWN"
)

// IntentStatus переводит статус шлюза в статус PaymentIntent
func (s GatewayStatus) IntentStatus() (PaymentIntentStatus, bool) {
	switch s {
	case GatewayStatusCreated:
		return PaymentIntentCreated, true
	case GatewayStatusAccepted:
		return PaymentIntentGatewayAccepted, true
	case GatewayStatusConfirmed:
		return PaymentIntentConfirmed, true
	case GatewayStatusRejected:
		return PaymentIntentGatewayRejected, true
	case GatewayStatusExpired:
		return PaymentIntentExpired, true
	}
	return "", false
}

// EventOutcome результат свертки события редьюсером
type EventOutcome string

const (
	EventOutcomeApplied   EventOutcome = "applied"
	EventOutcomeDuplicate EventOutcome = "duplicate"
	EventOutcomeStale     EventOutcome = "stale"
	EventOutcomeIgnored   EventOutcome = "ignored"
)

// ConfirmationEvent нормализованное сообщение о статусе списания. Журнал только дополняется.
type ConfirmationEvent struct {
	ID              uuid.UUID     `json:"id"`
	Source          EventSource   `json:"source"`
	GatewayChargeID string        `json:"gateway_charge_id,omitempty"`
	PaymentIntentID uuid.UUID     `json:"payment_intent_id"`
	DedupKey        string        `json:"dedup_key"`
	ReportedStatus  GatewayStatus `json:"reported_status"`
	ReceivedAt      time.Time     `json:"received_at"`
	PayloadHash     string        `json:"payload_hash,omitempty"`
	Outcome         EventOutcome  `json:"outcome"`
}

// DedupKey ключ дедупликации (chargeRef, reportedStatus)
func DedupKey(chargeRef string, status GatewayStatus) string {
	return chargeRef + "|" + string(status)
}

// HashPayload sha256 сырого тела вебхука
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
