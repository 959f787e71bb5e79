package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/reconcile"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/Dhoini/checkout-engine/pkg/res"
)

// NotificationSubmitter очередь входящих уведомлений (reconcile.WebhookIntake)
type NotificationSubmitter interface {
	Submit(ctx context.Context, n gateway.Notification) error
}

// WebhookMetrics счетчики вебхуков
type WebhookMetrics interface {
	IncWebhookReceived(outcome string)
	IncWebhookUnverified()
}

// WebhookHandler принимает уведомления шлюза.
// Ответ 200 отдается сразу после постановки в очередь; сверка идет асинхронно.
type WebhookHandler struct {
	parser   gateway.WebhookParser
	intake   NotificationSubmitter
	metrics  WebhookMetrics
	maxBytes int64
	log      *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(parser gateway.WebhookParser, intake NotificationSubmitter, metrics WebhookMetrics, maxBytes int64, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		parser:   parser,
		intake:   intake,
		metrics:  metrics,
		maxBytes: maxBytes,
		log:      log,
	}
}

// HandleGatewayWebhook обрабатывает вебхук шлюза
func (h *WebhookHandler) HandleGatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reply(c, http.StatusRequestEntityTooLarge, "too_large", "webhook body too large")
			return
		}
		h.log.Warnw("Failed to read webhook body", "error", err)
		h.reply(c, http.StatusBadRequest, "unreadable", "failed to read webhook body")
		return
	}

	n, err := h.parser.ParseWebhook(c.Request.Header, body)
	switch {
	case errors.Is(err, domain.ErrUnverifiedWebhook):
		h.metrics.IncWebhookUnverified()
		h.log.Warnw("Rejected unverified webhook", "client_ip", c.ClientIP(), "error", err)
		h.reply(c, http.StatusUnauthorized, "unverified", "webhook verification failed")
		return
	case errors.Is(err, domain.ErrInvalidInput):
		// подлинный, но бесполезный для сверки вебхук; 200, чтобы шлюз не повторял его
		h.log.Infow("Ignoring webhook", "error", err)
		h.metrics.IncWebhookReceived("ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case err != nil:
		h.log.Errorw("Failed to parse webhook", "error", err)
		h.reply(c, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	if err := h.intake.Submit(c.Request.Context(), n); err != nil {
		h.log.Warnw("Webhook intake unavailable",
			"event_id", n.EventID,
			"charge_id", n.ChargeID,
			"error", err,
		)
		h.reply(c, http.StatusServiceUnavailable, "busy", "webhook intake unavailable, retry later")
		return
	}

	h.log.Debugw("Webhook accepted", "event_id", n.EventID, "event", n.EventName, "charge_id", n.ChargeID)
	h.metrics.IncWebhookReceived("accepted")
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *WebhookHandler) reply(c *gin.Context, status int, outcome, message string) {
	h.metrics.IncWebhookReceived(outcome)
	res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: message, ErrorCode: outcome}, status, h.log)
	c.Abort()
}

var _ NotificationSubmitter = (*reconcile.WebhookIntake)(nil)
