package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	// Префиксы ключей для различных типов данных
	planKeyPrefix = "plan:"
	planListKey   = "plans:all"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// NewRedisClient создает клиента Redis и проверяет соединение
func NewRedisClient(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Проверяем соединение с Redis
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", addr)
	return client, nil
}

// RedisPlanCache кеширует планы в Redis
type RedisPlanCache struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisPlanCache создает кеш планов; ttl <= 0 означает TTL по умолчанию
func NewRedisPlanCache(client redis.Cmdable, ttl time.Duration, log *logger.Logger) *RedisPlanCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisPlanCache{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// CachePlan кеширует план
func (r *RedisPlanCache) CachePlan(ctx context.Context, plan domain.Plan) error {
	return r.set(ctx, planKeyPrefix+plan.ID, plan)
}

// GetCachedPlan получает план из кеша; (nil, nil) если ключа нет
func (r *RedisPlanCache) GetCachedPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var plan domain.Plan
	found, err := r.get(ctx, planKeyPrefix+id, &plan)
	if err != nil || !found {
		return nil, err
	}
	return &plan, nil
}

// CachePlanList кеширует полный список планов
func (r *RedisPlanCache) CachePlanList(ctx context.Context, plans []domain.Plan) error {
	return r.set(ctx, planListKey, plans)
}

// GetCachedPlanList получает список планов из кеша; (nil, nil) если ключа нет
func (r *RedisPlanCache) GetCachedPlanList(ctx context.Context) ([]domain.Plan, error) {
	var plans []domain.Plan
	found, err := r.get(ctx, planListKey, &plans)
	if err != nil || !found {
		return nil, err
	}
	return plans, nil
}

// Invalidate удаляет план и список из кеша
func (r *RedisPlanCache) Invalidate(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, planKeyPrefix+id, planListKey).Err(); err != nil {
		r.log.Errorw("Failed to invalidate plan cache", "error", err, "planID", id)
		return fmt.Errorf("failed to invalidate plan cache: %w", err)
	}
	return nil
}

func (r *RedisPlanCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.log.Errorw("Failed to cache value in Redis", "error", err, "key", key)
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	r.log.Debugw("Value cached successfully", "key", key)
	return nil
}

func (r *RedisPlanCache) get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		r.log.Errorw("Error getting value from Redis", "error", err, "key", key)
		return false, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		r.log.Errorw("Failed to unmarshal cached value", "error", err, "key", key)
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return true, nil
}
