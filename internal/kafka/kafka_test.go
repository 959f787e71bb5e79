package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

func testMessage() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:             uuid.New(),
		Kind:           domain.OutboxNotifyActivated,
		TransitionKey:  "sub:2",
		SubscriptionID: uuid.New(),
		Payload:        []byte(`{"kind":"notify-subscriber:activated"}`),
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSaramaPublisher_SendsToKindTopic(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	msg := testMessage()
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "checkout.notify-subscriber.activated" {
			return errors.New("unexpected topic " + pm.Topic)
		}
		key, _ := pm.Key.Encode()
		if string(key) != msg.SubscriptionID.String() {
			return errors.New("unexpected key")
		}
		return nil
	})

	pub := NewSaramaPublisherFromProducer(producer, "checkout", logger.NewNop())
	require.NoError(t, pub.Publish(context.Background(), msg))
	require.NoError(t, pub.Close())
}

func TestSaramaPublisher_PropagatesFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewSaramaPublisherFromProducer(producer, "checkout", logger.NewNop())
	err := pub.Publish(context.Background(), testMessage())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

type fakeWriter struct {
	written []kafkaGo.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestWriterPublisher_Headers(t *testing.T) {
	w := &fakeWriter{}
	pub := &WriterPublisher{writer: w, prefix: "checkout", log: logger.NewNop()}
	msg := testMessage()

	require.NoError(t, pub.Publish(context.Background(), msg))
	require.Len(t, w.written, 1)
	got := w.written[0]
	assert.Equal(t, "checkout.notify-subscriber.activated", got.Topic)
	assert.Equal(t, msg.SubscriptionID.String(), string(got.Key))

	headers := map[string]string{}
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, msg.ID.String(), headers["message_id"])
	assert.Equal(t, "sub:2", headers["transition_key"])
}

func TestWriterPublisher_Error(t *testing.T) {
	pub := &WriterPublisher{writer: &fakeWriter{err: errors.New("leader not available")}, log: logger.NewNop()}
	assert.Error(t, pub.Publish(context.Background(), testMessage()))
}

func TestRequiredAndMissingTopics(t *testing.T) {
	cfg := NewConfig([]string{"localhost:9092"}, "checkout")
	required := RequiredTopics(cfg)
	require.Len(t, required, len(domain.OutboxKinds))

	existing := map[string]bool{"checkout.grant-benefits": true}
	missing := MissingTopics(required, existing)
	assert.Len(t, missing, len(domain.OutboxKinds)-1)
	for _, m := range missing {
		assert.NotEqual(t, "checkout.grant-benefits", m.Topic)
		assert.Equal(t, 3, m.NumPartitions)
	}
}

func TestEnsureTopics_InvalidBroker(t *testing.T) {
	err := EnsureTopics(context.Background(), NewConfig([]string{"no-port"}, ""), logger.NewNop())
	assert.Error(t, err)

	err = EnsureTopics(context.Background(), NewConfig(nil, ""), logger.NewNop())
	assert.Error(t, err)
}
