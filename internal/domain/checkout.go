package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CheckoutStatus итог оформления для клиента
type CheckoutStatus string

const (
	CheckoutStatusConfirmed CheckoutStatus = "confirmed"
	CheckoutStatusPending   CheckoutStatus = "pending"
	CheckoutStatusRejected  CheckoutStatus = "rejected"
)

// CheckoutResult результат оформления; сохраняется в хранилище идемпотентности как есть
type CheckoutResult struct {
	Status          CheckoutStatus `json:"status"`
	PaymentIntentID uuid.UUID      `json:"paymentIntentId"`
	SubscriptionID  uuid.UUID      `json:"subscriptionId"`
	PixPayload      string         `json:"pixPayload,omitempty"`
	BankSlipURL     string         `json:"bankSlipUrl,omitempty"`
	Reason          string         `json:"reason,omitempty"`

	Replayed bool `json:"-"`
}

// CardFields данные карты. Никогда не сохраняются и не логируются.
type CardFields struct {
	HolderName  string
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CVV         string
}

// Last4 последние четыре цифры номера
func (c CardFields) Last4() string {
	if len(c.Number) < 4 {
		return ""
	}
	return c.Number[len(c.Number)-4:]
}

// String маскирует данные карты при любом форматировании
func (c CardFields) String() string {
	return fmt.Sprintf("CardFields{number: ****%s}", c.Last4())
}

// GoString маскирует данные карты для %#v
func (c CardFields) GoString() string {
	return c.String()
}

// MarshalJSON не допускает сериализации данных карты
func (c CardFields) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"last4": c.Last4()})
}
