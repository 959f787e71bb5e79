// Package asaas клиент REST API шлюза Asaas (PIX, boleto, кредитная карта).
package asaas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

const (
	ProductionURL = "https://api.asaas.com"
	SandboxURL    = "https://api-sandbox.asaas.com"
)

// Config конфигурация для клиента Asaas
type Config struct {
	BaseURL string
	APIKey  string
	// WebhookToken ожидаемое значение заголовка asaas-access-token
	WebhookToken string
	// WebhookSecret ключ HMAC-SHA256 для заголовка X-Signature (необязателен)
	WebhookSecret string
	Timeout       time.Duration
	// PixExpiry срок оплаты PIX, передается шлюзу как dueDate
	PixExpiry time.Duration
	// BoletoDueDays срок оплаты boleto в днях
	BoletoDueDays int
}

// Client представляет клиент для работы с API Asaas
type Client struct {
	baseURL    string
	apiKey     string
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	log        *logger.Logger
}

// NewClient создает новый клиент Asaas
func NewClient(cfg Config, log *logger.Logger) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = SandboxURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.BoletoDueDays <= 0 {
		cfg.BoletoDueDays = 3
	}
	if cfg.PixExpiry <= 0 {
		cfg.PixExpiry = 30 * time.Minute
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		log:        log,
	}
}

// errorResponse тело ошибки Asaas
type errorResponse struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

// listResponse постраничный ответ Asaas
type listResponse[T any] struct {
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
	Data       []T  `json:"data"`
}

// do выполняет запрос и декодирует ответ в out.
// Ошибки классифицируются: сеть, 429 и 5xx временные; 400 отказ; остальное окончательное.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return domain.NewGatewayError(operation, "encode", "failed to encode request", 0, err)
		}
		reader = bytes.NewReader(data)
	}

	// Создаем запрос
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return domain.NewGatewayError(operation, "request", "failed to create request", 0, err)
	}

	// Добавляем заголовки
	req.Header.Set("access_token", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "checkout-engine")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Выполняем запрос
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		gwErr := domain.NewGatewayError(operation, "network", "failed to execute request", 0, err)
		gwErr.Transient = true
		return gwErr
	}
	defer resp.Body.Close()

	c.log.Debugw("Asaas request finished",
		"operation", operation,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		gwErr := domain.NewGatewayError(operation, "network", "failed to read response", resp.StatusCode, err)
		gwErr.Transient = true
		return gwErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return domain.NewGatewayError(operation, "decode", "failed to decode response", resp.StatusCode, err)
		}
		return nil
	}

	return classify(operation, resp.StatusCode, payload)
}

// classify переводит ответ с ошибкой в *domain.GatewayError
func classify(operation string, status int, payload []byte) error {
	code, message := "http_error", http.StatusText(status)
	var er errorResponse
	if err := json.Unmarshal(payload, &er); err == nil && len(er.Errors) > 0 {
		code = er.Errors[0].Code
		message = er.Errors[0].Description
	}

	gwErr := domain.NewGatewayError(operation, code, message, status, nil)
	switch {
	case status == http.StatusTooManyRequests:
		gwErr.Transient = true
	case status >= 500 && status != http.StatusNotImplemented:
		gwErr.Transient = true
	case status == http.StatusConflict || isDuplicateCode(code):
		gwErr.Code = domain.GatewayCodeDuplicate
	case status == http.StatusBadRequest:
		gwErr.Rejected = true
	}
	return gwErr
}

func isDuplicateCode(code string) bool {
	return strings.Contains(strings.ToLower(code), "duplicate")
}

// isNotFound true для ответа 404
func isNotFound(err error) bool {
	var gwErr *domain.GatewayError
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound
}

// formatCents переводит центавос в десятичную строку реалов
func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
