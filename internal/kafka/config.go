// Package kafka публикация строк outbox в Kafka (sarama или kafka-go) и создание топиков.
package kafka

import (
	"time"

	"github.com/IBM/sarama"

	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Config конфигурация для Kafka
type Config struct {
	Brokers     []string
	TopicPrefix string
	ClientID    string
	Producer    ProducerConfig
	Topics      TopicConfig
}

// ProducerConfig конфигурация для продюсера
type ProducerConfig struct {
	MaxMessageBytes int
	Compression     sarama.CompressionCodec
	RequiredAcks    sarama.RequiredAcks
	Idempotent      bool
	RetryMax        int
	Timeout         time.Duration
}

// TopicConfig параметры создаваемых топиков
type TopicConfig struct {
	NumPartitions     int
	ReplicationFactor int
}

// NewConfig создает новую конфигурацию Kafka
func NewConfig(brokers []string, topicPrefix string) *Config {
	return &Config{
		Brokers:     brokers,
		TopicPrefix: topicPrefix,
		ClientID:    "checkout-engine",
		Producer: ProducerConfig{
			MaxMessageBytes: 1000000,
			Compression:     sarama.CompressionSnappy,
			RequiredAcks:    sarama.WaitForAll,
			Idempotent:      true,
			RetryMax:        5,
			Timeout:         10 * time.Second,
		},
		Topics: TopicConfig{
			NumPartitions:     3,
			ReplicationFactor: 1,
		},
	}
}

// NewSaramaConfig создает новую конфигурацию Sarama для синхронного продюсера
func NewSaramaConfig(cfg *Config, log *logger.Logger) *sarama.Config {
	saramaConfig := sarama.NewConfig()

	// Версия Kafka
	saramaConfig.Version = sarama.V3_3_0_0
	saramaConfig.ClientID = cfg.ClientID

	// Настройки продюсера
	saramaConfig.Producer.MaxMessageBytes = cfg.Producer.MaxMessageBytes
	saramaConfig.Producer.Compression = cfg.Producer.Compression
	saramaConfig.Producer.RequiredAcks = cfg.Producer.RequiredAcks
	saramaConfig.Producer.Retry.Max = cfg.Producer.RetryMax
	saramaConfig.Producer.Timeout = cfg.Producer.Timeout
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	// Идемпотентный продюсер требует одного запроса в полете и acks=all
	if cfg.Producer.Idempotent {
		saramaConfig.Producer.Idempotent = true
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Net.MaxOpenRequests = 1
	}

	log.Debugw("Sarama producer config prepared",
		"version", saramaConfig.Version.String(),
		"idempotent", saramaConfig.Producer.Idempotent,
		"compression", saramaConfig.Producer.Compression.String(),
	)
	return saramaConfig
}
