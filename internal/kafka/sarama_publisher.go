package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// SaramaPublisher публикует строки outbox через синхронный продюсер sarama
type SaramaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
	log      *logger.Logger
}

// NewSaramaPublisher подключается к брокерам и создает синхронный продюсер
func NewSaramaPublisher(cfg *Config, log *logger.Logger) (*SaramaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg, log))
	if err != nil {
		log.Errorw("Failed to create sarama producer", "brokers", cfg.Brokers, "error", err)
		return nil, fmt.Errorf("kafka: failed to create producer: %w", err)
	}

	log.Infow("Kafka producer initialized", "brokers", cfg.Brokers, "driver", "sarama")
	return NewSaramaPublisherFromProducer(producer, cfg.TopicPrefix, log), nil
}

// NewSaramaPublisherFromProducer оборачивает готовый продюсер (в тестах sarama/mocks)
func NewSaramaPublisherFromProducer(producer sarama.SyncProducer, prefix string, log *logger.Logger) *SaramaPublisher {
	return &SaramaPublisher{producer: producer, prefix: prefix, log: log}
}

// Publish отправляет строку в топик ее типа. Ключ = id подписки, порядок внутри подписки сохраняется.
func (p *SaramaPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	topic := outbox.TopicName(p.prefix, msg.Kind)
	pm := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.SubscriptionID.String()),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(msg.ID.String())},
			{Key: []byte("transition_key"), Value: []byte(msg.TransitionKey)},
			{Key: []byte("kind"), Value: []byte(msg.Kind)},
		},
		Timestamp: msg.CreatedAt,
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		p.log.Errorw("Failed to write message to Kafka", "error", err, "topic", topic, "outbox_id", msg.ID)
		return fmt.Errorf("kafka: failed to send message: %w", err)
	}

	p.log.Debugw("Published outbox message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"outbox_id", msg.ID,
	)
	return nil
}

// Close закрывает продюсер
func (p *SaramaPublisher) Close() error {
	p.log.Infow("Closing Kafka producer...")
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

var _ outbox.Publisher = (*SaramaPublisher)(nil)
