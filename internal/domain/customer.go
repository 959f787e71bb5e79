package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Customer представляет собой модель клиента.
// GatewayCustomerID пуст до первого успешного обращения к шлюзу и после этого не меняется.
type Customer struct {
	ID                uuid.UUID `json:"id"`
	TaxID             string    `json:"tax_id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone,omitempty"`
	GatewayCustomerID *string   `json:"gateway_customer_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CustomerProfile данные клиента из формы оформления заказа
type CustomerProfile struct {
	Name          string `json:"name" validate:"required,max=120"`
	Email         string `json:"email" validate:"required,email"`
	TaxID         string `json:"tax_id" validate:"required,max=20"`
	Phone         string `json:"phone,omitempty" validate:"omitempty,max=20"`
	PostalCode    string `json:"postal_code,omitempty" validate:"omitempty,max=10"`
	AddressNumber string `json:"address_number,omitempty" validate:"omitempty,max=10"`
}

// NormalizeTaxID оставляет в CPF/CNPJ только цифры
func NormalizeTaxID(taxID string) string {
	var b strings.Builder
	for _, r := range taxID {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasGatewayCustomer true, если клиент уже связан с клиентом шлюза
func (c Customer) HasGatewayCustomer() bool {
	return c.GatewayCustomerID != nil && *c.GatewayCustomerID != ""
}

// Profile данные клиента для повторной оплаты без формы
func (c Customer) Profile() CustomerProfile {
	return CustomerProfile{Name: c.Name, Email: c.Email, TaxID: c.TaxID, Phone: c.Phone}
}
