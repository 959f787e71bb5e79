package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// RequiredTopics топики для всех типов outbox
func RequiredTopics(cfg *Config) []kafkaGo.TopicConfig {
	partitions := cfg.Topics.NumPartitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.Topics.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	topics := make([]kafkaGo.TopicConfig, 0, len(domain.OutboxKinds))
	for _, kind := range domain.OutboxKinds {
		topics = append(topics, kafkaGo.TopicConfig{
			Topic:             outbox.TopicName(cfg.TopicPrefix, kind),
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}
	return topics
}

// EnsureTopics проверяет и создает топики outbox
func EnsureTopics(ctx context.Context, cfg *Config, log *logger.Logger) error {
	required := RequiredTopics(cfg)
	log.Infow("Ensuring Kafka topics exist...", "topics", topicNames(required))

	// Проверка адреса брокера
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Brokers[0]) == "" {
		log.Errorw("Kafka broker address is empty")
		return errors.New("kafka broker address is empty")
	}
	broker := strings.TrimSpace(cfg.Brokers[0])
	_, portStr, err := net.SplitHostPort(broker)
	if err != nil {
		log.Errorw("Invalid Kafka broker address format", "broker", broker, "error", err)
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		log.Errorw("Invalid Kafka broker port", "broker", broker, "error", err)
		return fmt.Errorf("invalid broker port %s: %w", broker, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialContext(connCtx, "tcp", broker)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", broker, "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	// Топики создаются только через контроллер кластера
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup failed: %w", err)
	}
	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafkaGo.DialContext(connCtx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("kafka controller connection failed: %w", err)
	}
	defer ctrlConn.Close()

	partitions, err := ctrlConn.ReadPartitions()
	if err != nil {
		log.Errorw("Failed to read partitions from Kafka", "error", err)
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}

	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	missing := MissingTopics(required, existing)
	if len(missing) == 0 {
		log.Infow("All required topics already exist")
		return nil
	}

	log.Infow("Attempting to create topics...", "topics", topicNames(missing))
	if err := ctrlConn.CreateTopics(missing...); err != nil {
		if !errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Errorw("Failed to create topics", "error", err, "topics", topicNames(missing))
			return fmt.Errorf("kafka create topics failed: %w", err)
		}
		log.Warnw("One or more topics already existed during creation attempt", "topics", topicNames(missing))
	}

	log.Infow("Successfully created or verified topics", "topics", topicNames(missing))
	return nil
}

// MissingTopics топики из required, которых нет в existing
func MissingTopics(required []kafkaGo.TopicConfig, existing map[string]bool) []kafkaGo.TopicConfig {
	var missing []kafkaGo.TopicConfig
	for _, t := range required {
		if !existing[t.Topic] {
			missing = append(missing, t)
		}
	}
	return missing
}

func topicNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
