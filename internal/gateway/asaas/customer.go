package asaas

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
)

// customerRequest тело POST /v3/customers
type customerRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	CpfCnpj       string `json:"cpfCnpj"`
	MobilePhone   string `json:"mobilePhone,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	AddressNumber string `json:"addressNumber,omitempty"`
	// NotificationDisabled уведомления отправляет сам сервис через outbox
	NotificationDisabled bool `json:"notificationDisabled"`
}

// customerResponse клиент Asaas
type customerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	CpfCnpj string `json:"cpfCnpj"`
	Deleted bool   `json:"deleted"`
}

// FindOrCreateCustomer ищет клиента по CPF/CNPJ и создает его только если поиск пуст
func (c *Client) FindOrCreateCustomer(ctx context.Context, taxID string, profile domain.CustomerProfile) (gateway.CustomerRef, error) {
	taxID = domain.NormalizeTaxID(taxID)
	c.log.Debugw("Looking up Asaas customer", "tax_id_suffix", suffix(taxID, 4))

	var found listResponse[customerResponse]
	query := url.Values{"cpfCnpj": {taxID}}
	if err := c.do(ctx, "find_customer", http.MethodGet, "/v3/customers", query, nil, &found); err != nil {
		return gateway.CustomerRef{}, err
	}
	for _, existing := range found.Data {
		if !existing.Deleted {
			return gateway.CustomerRef{ID: existing.ID}, nil
		}
	}

	body := customerRequest{
		Name:                 profile.Name,
		Email:                profile.Email,
		CpfCnpj:              taxID,
		MobilePhone:          profile.Phone,
		PostalCode:           profile.PostalCode,
		AddressNumber:        profile.AddressNumber,
		NotificationDisabled: true,
	}
	var created customerResponse
	if err := c.do(ctx, "create_customer", http.MethodPost, "/v3/customers", nil, body, &created); err != nil {
		return gateway.CustomerRef{}, err
	}
	if created.ID == "" {
		return gateway.CustomerRef{}, domain.NewGatewayError("create_customer", "decode", "empty customer id", http.StatusOK, nil)
	}

	c.log.Infow("Successfully created Asaas customer", "customer_id", created.ID)
	return gateway.CustomerRef{ID: created.ID}, nil
}

func suffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("…%s", s[len(s)-n:])
}
