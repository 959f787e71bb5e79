package asaas

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
)

const (
	// HeaderAccessToken токен, который Asaas передает с каждым вебхуком
	HeaderAccessToken = "asaas-access-token"
	// HeaderSignature HMAC-SHA256 тела в hex
	HeaderSignature = "X-Signature"
)

// WebhookEvent представляет событие вебхука Asaas
type WebhookEvent struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payment *struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		ExternalReference string `json:"externalReference"`
		BillingType       string `json:"billingType"`
	} `json:"payment"`
}

// ParseWebhook проверяет подлинность вебхука и разбирает его в Notification.
// Проверка идет до разбора тела.
func (c *Client) ParseWebhook(header http.Header, body []byte) (gateway.Notification, error) {
	if err := c.verify(header, body); err != nil {
		return gateway.Notification{}, err
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return gateway.Notification{}, fmt.Errorf("%w: malformed webhook body: %v", domain.ErrInvalidInput, err)
	}
	if event.Payment == nil || event.Payment.ID == "" {
		return gateway.Notification{}, fmt.Errorf("%w: webhook %s has no payment", domain.ErrInvalidInput, event.Event)
	}

	return gateway.Notification{
		EventID:           event.ID,
		EventName:         event.Event,
		ChargeID:          event.Payment.ID,
		ExternalReference: event.Payment.ExternalReference,
		Status:            MapWebhookEvent(event.Event, event.Payment.Status),
		PayloadHash:       domain.HashPayload(body),
	}, nil
}

func (c *Client) verify(header http.Header, body []byte) error {
	if c.cfg.WebhookToken == "" && c.cfg.WebhookSecret == "" {
		// без настроенного секрета вебхуки не принимаются
		return fmt.Errorf("%w: webhook authentication is not configured", domain.ErrUnverifiedWebhook)
	}

	if c.cfg.WebhookToken != "" {
		got := header.Get(HeaderAccessToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.WebhookToken)) != 1 {
			return fmt.Errorf("%w: access token mismatch", domain.ErrUnverifiedWebhook)
		}
	}

	if c.cfg.WebhookSecret != "" {
		if !VerifySignature(body, header.Get(HeaderSignature), c.cfg.WebhookSecret) {
			return fmt.Errorf("%w: signature mismatch", domain.ErrUnverifiedWebhook)
		}
	}
	return nil
}

// VerifySignature сравнивает HMAC-SHA256 тела с подписью из заголовка
func VerifySignature(payload []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	if sig == "" || secret == "" {
		return false
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign подписывает тело (для тестов и локальной отправки вебхуков)
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	_ gateway.Gateway       = (*Client)(nil)
	_ gateway.WebhookParser = (*Client)(nil)
)
