package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/service"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/Dhoini/checkout-engine/pkg/req"
	"github.com/Dhoini/checkout-engine/pkg/res"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxCheckoutBodyBytes = 16 << 10
)

// CheckoutService оформление, продление и статус (service.CheckoutService)
type CheckoutService interface {
	Checkout(ctx context.Context, in service.CheckoutInput) (domain.CheckoutResult, error)
	Renew(ctx context.Context, in service.RenewInput) (domain.CheckoutResult, error)
	Status(ctx context.Context, paymentIntentID uuid.UUID) (service.StatusView, error)
}

// CustomerRequest данные покупателя
type CustomerRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	TaxID         string `json:"taxId"`
	Phone         string `json:"phone"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
}

// CardRequest данные карты; сразу уходят на токенизацию в шлюз
type CardRequest struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CVV         string `json:"cvv"`
}

// CheckoutRequest тело POST /checkout
type CheckoutRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Customer       CustomerRequest `json:"customer"`
	PlanID         string          `json:"planId"`
	Period         string          `json:"period"`
	Method         string          `json:"method"`
	CardToken      string          `json:"cardToken"`
	Card           *CardRequest    `json:"card"`
}

// RenewRequest тело POST /subscriptions/:subscriptionId/renew
type RenewRequest struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Method         string       `json:"method"`
	CardToken      string       `json:"cardToken"`
	Card           *CardRequest `json:"card"`
}

// CheckoutHandler обработчик оформления подписки
type CheckoutHandler struct {
	svc CheckoutService
	log *logger.Logger
}

// NewCheckoutHandler создает новый обработчик оформления
func NewCheckoutHandler(svc CheckoutService, log *logger.Logger) *CheckoutHandler {
	return &CheckoutHandler{svc: svc, log: log}
}

// Checkout оформляет подписку.
// 200 confirmed, 202 pending, 402 rejected; повтор помечается заголовком Idempotent-Replayed.
func (h *CheckoutHandler) Checkout(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCheckoutBodyBytes)
	body, err := req.Decode[CheckoutRequest](c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to decode checkout request", "error", err)
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "malformed request body", ErrorCode: "invalid_body"}, http.StatusUnprocessableEntity, h.log)
		return
	}

	key, err := idempotencyKey(c.GetHeader(HeaderIdempotencyKey), body.IdempotencyKey)
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	in := service.CheckoutInput{
		IdempotencyKey: key,
		Customer: domain.CustomerProfile{
			Name:          body.Customer.Name,
			Email:         body.Customer.Email,
			TaxID:         body.Customer.TaxID,
			Phone:         body.Customer.Phone,
			PostalCode:    body.Customer.PostalCode,
			AddressNumber: body.Customer.AddressNumber,
		},
		PlanID:    body.PlanID,
		Period:    domain.BillingPeriod(strings.ToLower(body.Period)),
		Method:    domain.BillingMethod(strings.ToUpper(body.Method)),
		CardToken: body.CardToken,
		RemoteIP:  c.ClientIP(),
	}
	in.Card = cardFields(body.Card)

	result, err := h.svc.Checkout(c.Request.Context(), in)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	h.writeResult(c, result)
}

// Renew оплачивает приостановленную подписку; коды ответа как у Checkout,
// 409 если подписка не в SUSPENDED
func (h *CheckoutHandler) Renew(c *gin.Context) {
	id, err := uuid.Parse(c.Param("subscriptionId"))
	if err != nil {
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "invalid subscription id", ErrorCode: "invalid_id"}, http.StatusBadRequest, h.log)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCheckoutBodyBytes)
	body, err := req.Decode[RenewRequest](c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to decode renewal request", "error", err)
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "malformed request body", ErrorCode: "invalid_body"}, http.StatusUnprocessableEntity, h.log)
		return
	}

	key, err := idempotencyKey(c.GetHeader(HeaderIdempotencyKey), body.IdempotencyKey)
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	result, err := h.svc.Renew(c.Request.Context(), service.RenewInput{
		IdempotencyKey: key,
		SubscriptionID: id,
		Method:         domain.BillingMethod(strings.ToUpper(body.Method)),
		CardToken:      body.CardToken,
		Card:           cardFields(body.Card),
		RemoteIP:       c.ClientIP(),
	})
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	h.writeResult(c, result)
}

func (h *CheckoutHandler) writeResult(c *gin.Context, result domain.CheckoutResult) {
	if result.Replayed {
		c.Header(HeaderReplayed, "true")
	}
	c.JSON(checkoutStatusCode(result.Status), result)
}

func cardFields(card *CardRequest) *domain.CardFields {
	if card == nil {
		return nil
	}
	return &domain.CardFields{
		HolderName:  card.HolderName,
		Number:      card.Number,
		ExpiryMonth: card.ExpiryMonth,
		ExpiryYear:  card.ExpiryYear,
		CVV:         card.CVV,
	}
}

// Status возвращает состояние оформления для опроса клиентом
func (h *CheckoutHandler) Status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("paymentIntentId"))
	if err != nil {
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "invalid payment intent id", ErrorCode: "invalid_id"}, http.StatusBadRequest, h.log)
		return
	}

	view, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, view)
}

func checkoutStatusCode(s domain.CheckoutStatus) int {
	switch s {
	case domain.CheckoutStatusConfirmed:
		return http.StatusOK
	case domain.CheckoutStatusRejected:
		return http.StatusPaymentRequired
	}
	return http.StatusAccepted
}

// idempotencyKey ключ из заголовка или тела; если заданы оба, они должны совпадать
func idempotencyKey(header, body string) (string, error) {
	header = strings.TrimSpace(header)
	body = strings.TrimSpace(body)
	switch {
	case header != "" && body != "" && header != body:
		return "", domain.ValidationErrors{{Field: "IdempotencyKey", Message: "header_body_mismatch"}}
	case header != "":
		return header, nil
	}
	return body, nil
}
