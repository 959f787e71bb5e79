package asaas

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
)

const dateLayout = "2006-01-02"

// amount сумма в центавос, в JSON передается как десятичное число реалов
type amount int64

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(formatCents(int64(a))), nil
}

func (a *amount) UnmarshalJSON(data []byte) error {
	cents, err := parseReais(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*a = amount(cents)
	return nil
}

// parseReais разбирает "49.9" в 4990 без потери точности
func parseReais(s string) (int64, error) {
	if s == "" || s == "null" {
		return 0, nil
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

// paymentRequest тело POST /v3/payments
type paymentRequest struct {
	Customer          string `json:"customer"`
	BillingType       string `json:"billingType"`
	Value             amount `json:"value"`
	DueDate           string `json:"dueDate"`
	Description       string `json:"description,omitempty"`
	ExternalReference string `json:"externalReference"`
	CreditCardToken   string `json:"creditCardToken,omitempty"`
	RemoteIP          string `json:"remoteIp,omitempty"`
}

// paymentResponse списание Asaas
type paymentResponse struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	BillingType       string `json:"billingType"`
	Value             amount `json:"value"`
	Status            string `json:"status"`
	DueDate           string `json:"dueDate"`
	ExternalReference string `json:"externalReference"`
	InvoiceURL        string `json:"invoiceUrl"`
	BankSlipURL       string `json:"bankSlipUrl"`
	Deleted           bool   `json:"deleted"`
}

// pixQRCodeResponse ответ GET /v3/payments/{id}/pixQrCode
type pixQRCodeResponse struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}

func billingType(m domain.BillingMethod) (string, error) {
	switch m {
	case domain.BillingMethodPix:
		return "PIX", nil
	case domain.BillingMethodBoleto:
		return "BOLETO", nil
	case domain.BillingMethodCreditCard:
		return "CREDIT_CARD", nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedPaymentMethod, m)
}

// CreateCharge создает списание. Сначала ищет списание с тем же externalReference,
// так что повтор после сбоя не создает второго списания.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	bt, err := billingType(req.Method)
	if err != nil {
		return gateway.Charge{}, err
	}
	if req.Method == domain.BillingMethodCreditCard && req.CardToken == "" {
		gwErr := domain.NewGatewayError("create_charge", "missing_card_token", "credit card charge requires a token", 0, nil)
		gwErr.Rejected = true
		return gateway.Charge{}, gwErr
	}

	externalRef := req.IntentID.String()
	existing, err := c.findByExternalReference(ctx, externalRef)
	if err != nil {
		return gateway.Charge{}, err
	}

	payment := existing
	if payment == nil {
		body := paymentRequest{
			Customer:          req.Customer.ID,
			BillingType:       bt,
			Value:             amount(req.AmountCents),
			DueDate:           c.dueDate(req).Format(dateLayout),
			Description:       req.Description,
			ExternalReference: externalRef,
			CreditCardToken:   req.CardToken,
			RemoteIP:          req.RemoteIP,
		}
		var created paymentResponse
		if err := c.do(ctx, "create_charge", http.MethodPost, "/v3/payments", nil, body, &created); err != nil {
			return gateway.Charge{}, err
		}
		payment = &created
		c.log.Infow("Asaas charge created",
			"charge_id", created.ID,
			"intent_id", externalRef,
			"billing_type", bt,
			"status", created.Status,
		)
	} else {
		c.log.Infow("Reusing existing Asaas charge", "charge_id", payment.ID, "intent_id", externalRef)
	}

	charge := gateway.Charge{
		ID:          payment.ID,
		Status:      MapPaymentStatus(payment.Status),
		BankSlipURL: payment.BankSlipURL,
	}
	if due, err := time.Parse(dateLayout, payment.DueDate); err == nil {
		charge.DueDate = due
	}

	if req.Method == domain.BillingMethodPix {
		var qr pixQRCodeResponse
		if err := c.do(ctx, "pix_qr_code", http.MethodGet, "/v3/payments/"+url.PathEscape(payment.ID)+"/pixQrCode", nil, nil, &qr); err != nil {
			return gateway.Charge{}, err
		}
		charge.PixPayload = qr.Payload
		charge.PixImage = qr.EncodedImage
	}
	return charge, nil
}

// FetchChargeStatus возвращает нормализованный статус списания
func (c *Client) FetchChargeStatus(ctx context.Context, chargeID string) (domain.GatewayStatus, error) {
	var payment paymentResponse
	if err := c.do(ctx, "fetch_charge_status", http.MethodGet, "/v3/payments/"+url.PathEscape(chargeID), nil, nil, &payment); err != nil {
		if isNotFound(err) {
			// удаленное списание оплатить уже нельзя
			return domain.GatewayStatusExpired, nil
		}
		return "", err
	}
	if payment.Deleted {
		return domain.GatewayStatusExpired, nil
	}
	return MapPaymentStatus(payment.Status), nil
}

func (c *Client) findByExternalReference(ctx context.Context, ref string) (*paymentResponse, error) {
	var found listResponse[paymentResponse]
	query := url.Values{"externalReference": {ref}}
	if err := c.do(ctx, "find_charge", http.MethodGet, "/v3/payments", query, nil, &found); err != nil {
		return nil, err
	}
	for i := range found.Data {
		if !found.Data[i].Deleted {
			return &found.Data[i], nil
		}
	}
	return nil, nil
}

func (c *Client) dueDate(req gateway.ChargeRequest) time.Time {
	if !req.DueDate.IsZero() {
		return req.DueDate
	}
	now := c.now()
	switch req.Method {
	case domain.BillingMethodBoleto:
		return now.AddDate(0, 0, c.cfg.BoletoDueDays)
	case domain.BillingMethodPix:
		return now.Add(c.cfg.PixExpiry)
	}
	return now
}
