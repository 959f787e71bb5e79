package asaas

import (
	"context"
	"net/http"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
)

type creditCard struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type creditCardHolderInfo struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	CpfCnpj       string `json:"cpfCnpj"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
	Phone         string `json:"phone,omitempty"`
}

type tokenizeRequest struct {
	Customer             string               `json:"customer"`
	CreditCard           creditCard           `json:"creditCard"`
	CreditCardHolderInfo creditCardHolderInfo `json:"creditCardHolderInfo"`
	RemoteIP             string               `json:"remoteIp,omitempty"`
}

type tokenizeResponse struct {
	CreditCardNumber string `json:"creditCardNumber"`
	CreditCardBrand  string `json:"creditCardBrand"`
	CreditCardToken  string `json:"creditCardToken"`
}

// TokenizeCard обменивает данные карты на одноразовый токен.
// Данные карты уходят только в тело запроса; в логи попадают последние 4 цифры.
func (c *Client) TokenizeCard(ctx context.Context, customer gateway.CustomerRef, card domain.CardFields, holder domain.CustomerProfile, remoteIP string) (gateway.CardToken, error) {
	body := tokenizeRequest{
		Customer: customer.ID,
		CreditCard: creditCard{
			HolderName:  card.HolderName,
			Number:      card.Number,
			ExpiryMonth: card.ExpiryMonth,
			ExpiryYear:  card.ExpiryYear,
			CCV:         card.CVV,
		},
		CreditCardHolderInfo: creditCardHolderInfo{
			Name:          holder.Name,
			Email:         holder.Email,
			CpfCnpj:       domain.NormalizeTaxID(holder.TaxID),
			PostalCode:    holder.PostalCode,
			AddressNumber: holder.AddressNumber,
			Phone:         holder.Phone,
		},
		RemoteIP: remoteIP,
	}

	var resp tokenizeResponse
	if err := c.do(ctx, "tokenize_card", http.MethodPost, "/v3/creditCard/tokenize", nil, body, &resp); err != nil {
		return gateway.CardToken{}, err
	}
	if resp.CreditCardToken == "" {
		return gateway.CardToken{}, domain.NewGatewayError("tokenize_card", "decode", "empty card token", http.StatusOK, nil)
	}

	c.log.Infow("Card tokenized", "customer_id", customer.ID, "brand", resp.CreditCardBrand, "last4", card.Last4())
	return gateway.CardToken{
		Token: resp.CreditCardToken,
		Brand: resp.CreditCardBrand,
		Last4: resp.CreditCardNumber,
	}, nil
}
