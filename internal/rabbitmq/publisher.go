// Package rabbitmq публикация строк outbox в topic-exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// DefaultExchange exchange по умолчанию
const DefaultExchange = "checkout.outbox"

// channel часть *amqp.Channel, нужная публикатору
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher публикует строки outbox; ключ маршрутизации = тип эффекта
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	reopen   func() (channel, error)
	exchange string
	log      *logger.Logger
}

// SanitizeURL чистит строку подключения из окружения и проверяет схему
func SanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewPublisher подключается к RabbitMQ и объявляет durable topic-exchange
func NewPublisher(amqpURL, exchange string, log *logger.Logger) (*Publisher, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	// Ограничиваем время подключения, чтобы старт не зависал
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
	}

	reopen := func() (channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	ch, err := reopen()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel failed: %w", err)
	}

	p := newPublisher(ch, reopen, exchange, log)
	p.conn = conn
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}

	log.Infow("RabbitMQ publisher initialized", "exchange", exchange)
	return p, nil
}

func newPublisher(ch channel, reopen func() (channel, error), exchange string, log *logger.Logger) *Publisher {
	return &Publisher{ch: ch, reopen: reopen, exchange: exchange, log: log}
}

func (p *Publisher) declare() error {
	if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: exchange declare failed: %w", err)
	}
	return nil
}

// Publish публикует строку; при ошибке канала один раз переоткрывает его и повторяет
func (p *Publisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	routingKey := outbox.TopicName("", msg.Kind)
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    msg.CreatedAt,
		Type:         string(msg.Kind),
		Headers:      amqp.Table{"transition_key": msg.TransitionKey},
		Body:         msg.Payload,
	}

	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing)
	if err == nil {
		return nil
	}

	p.log.Warnw("RabbitMQ publish failed, reopening channel", "exchange", p.exchange, "routing_key", routingKey, "error", err)
	ch, chErr := p.reopen()
	if chErr != nil {
		return fmt.Errorf("rabbitmq: publish failed: %w", errors.Join(err, chErr))
	}
	p.ch = ch
	if err := p.declare(); err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("rabbitmq: publish failed after reopen: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ outbox.Publisher = (*Publisher)(nil)
