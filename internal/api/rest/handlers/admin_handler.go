package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/api/rest/middleware"
	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/service"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/Dhoini/checkout-engine/pkg/req"
	"github.com/Dhoini/checkout-engine/pkg/res"
)

// AdminService административные операции (service.AdminService)
type AdminService interface {
	Get(ctx context.Context, subscriptionID uuid.UUID) (service.SubscriptionView, error)
	Cancel(ctx context.Context, subscriptionID uuid.UUID, reason string) (domain.Subscription, error)
}

// CancelRequest тело запроса отмены
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=256"`
}

// AdminHandler обработчик административных запросов
type AdminHandler struct {
	svc AdminService
	log *logger.Logger
}

// NewAdminHandler создает новый обработчик
func NewAdminHandler(svc AdminService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, log: log}
}

// GetSubscription возвращает подписку с журналом и outbox
func (h *AdminHandler) GetSubscription(c *gin.Context) {
	id, ok := h.subscriptionID(c)
	if !ok {
		return
	}

	view, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelSubscription отменяет подписку
func (h *AdminHandler) CancelSubscription(c *gin.Context) {
	id, ok := h.subscriptionID(c)
	if !ok {
		return
	}

	body, err := req.HandleBody[CancelRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	sub, err := h.svc.Cancel(c.Request.Context(), id, body.Reason)
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	h.log.Infow("Subscription canceled by operator",
		"subscription_id", id,
		"operator", c.GetString(string(middleware.ContextUserIDKey)),
		"reason", sub.CancelReason,
	)
	c.JSON(http.StatusOK, sub)
}

func (h *AdminHandler) subscriptionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "invalid subscription id", ErrorCode: "invalid_id"}, http.StatusBadRequest, h.log)
		c.Abort()
		return uuid.Nil, false
	}
	return id, true
}
