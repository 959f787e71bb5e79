package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// messageWriter часть kafka.Writer, нужная публикатору
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterPublisher публикует строки outbox через kafka-go Writer
type WriterPublisher struct {
	writer messageWriter
	prefix string
	log    *logger.Logger
}

// NewWriterPublisher создает и настраивает kafka-go Writer
func NewWriterPublisher(cfg *Config, log *logger.Logger) (*WriterPublisher, error) {
	// Проверяем, что список брокеров не пуст
	if len(cfg.Brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	// Топик берется из сообщения, ключ определяет партицию
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", cfg.Brokers, "driver", "kafka-go")
	return &WriterPublisher{writer: writer, prefix: cfg.TopicPrefix, log: log}, nil
}

// Publish отправляет строку outbox в топик ее типа
func (p *WriterPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	topic := outbox.TopicName(p.prefix, msg.Kind)
	message := kafka.Message{
		Topic: topic,
		Key:   []byte(msg.SubscriptionID.String()),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID.String())},
			{Key: "transition_key", Value: []byte(msg.TransitionKey)},
			{Key: "kind", Value: []byte(msg.Kind)},
		},
		Time: msg.CreatedAt,
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", topic, "outbox_id", msg.ID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		p.log.Errorw("Failed to write message to Kafka", "error", err, "topic", topic, "outbox_id", msg.ID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	p.log.Debugw("Published outbox message to Kafka", "topic", topic, "outbox_id", msg.ID)
	return nil
}

// Close закрывает соединение Kafka Writer
func (p *WriterPublisher) Close() error {
	p.log.Infow("Closing Kafka producer writer...")
	if err := p.writer.Close(); err != nil {
		p.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	p.log.Infow("Kafka producer writer closed successfully")
	return nil
}

var _ outbox.Publisher = (*WriterPublisher)(nil)
