package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "checkout:idem"

// inFlightMarker значение ключа во время обработки
const inFlightMarker = `{"state":"in_flight"}`

// reserveScript: захватывает свободный ключ с TTL или возвращает текущее значение
var reserveScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  return {0, current}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {1, ""}
`)

// releaseScript: удаляет ключ, только если он все еще в обработке
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type storedEntry struct {
	State  State                  `json:"state"`
	Result *domain.CheckoutResult `json:"result,omitempty"`
}

// RedisStore хранилище ключей в Redis, общее для всех реплик сервиса
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   Options
	log    *logger.Logger
}

// NewRedisStore создает хранилище ключей поверх клиента Redis
func NewRedisStore(client redis.UniversalClient, prefix string, opts Options, log *logger.Logger) *RedisStore {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = defaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: trimmed,
		opts:   opts.withDefaults(),
		log:    log,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	raw, err := reserveScript.Run(ctx, s.client, []string{s.key(key)}, inFlightMarker, s.opts.ReservationTTL.Milliseconds()).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Reservation{}, fmt.Errorf("unexpected reserve response shape: %T", raw)
	}
	created, ok := values[0].(int64)
	if !ok {
		return Reservation{}, fmt.Errorf("unexpected reserve flag type: %T", values[0])
	}
	if created == 1 {
		return Reservation{State: StateNew}, nil
	}

	current, ok := values[1].(string)
	if !ok {
		return Reservation{}, fmt.Errorf("unexpected reserve value type: %T", values[1])
	}
	return s.decode(key, current)
}

func (s *RedisStore) Complete(ctx context.Context, key string, result domain.CheckoutResult) error {
	result.Replayed = false
	data, err := json.Marshal(storedEntry{State: StateCompleted, Result: &result})
	if err != nil {
		return fmt.Errorf("failed to marshal checkout result: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.opts.CompletedTTL).Err(); err != nil {
		s.log.Errorw("Failed to complete idempotency key", "error", err, "key", key)
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, inFlightMarker).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (Reservation, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Reservation{State: StateNew}, nil
		}
		return Reservation{}, fmt.Errorf("failed to lookup idempotency key: %w", err)
	}
	return s.decode(key, raw)
}

func (s *RedisStore) decode(key, raw string) (Reservation, error) {
	var entry storedEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		s.log.Errorw("Corrupted idempotency entry", "error", err, "key", key)
		return Reservation{}, fmt.Errorf("failed to decode idempotency entry: %w", err)
	}
	return Reservation{State: entry.State, Result: entry.Result}, nil
}
