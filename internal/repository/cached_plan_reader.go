package repository

import (
	"context"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// CachedPlanReader реализует PlanReader с кешированием в Redis.
// Ошибки кеша не прерывают чтение: запрос уходит в основной источник.
type CachedPlanReader struct {
	repo  PlanReader
	cache *RedisPlanCache
	log   *logger.Logger
}

// NewCachedPlanReader создает читателя планов с кешированием
func NewCachedPlanReader(repo PlanReader, cache *RedisPlanCache, log *logger.Logger) *CachedPlanReader {
	return &CachedPlanReader{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetPlan получает план (сначала из кеша, потом из источника)
func (r *CachedPlanReader) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	cached, err := r.cache.GetCachedPlan(ctx, id)
	if err != nil {
		r.log.Warnw("Error getting plan from cache", "error", err, "planID", id)
	}
	if cached != nil {
		return *cached, nil
	}

	plan, err := r.repo.GetPlan(ctx, id)
	if err != nil {
		return domain.Plan{}, err
	}

	if err := r.cache.CachePlan(ctx, plan); err != nil {
		r.log.Warnw("Failed to cache plan", "error", err, "planID", id)
	}
	return plan, nil
}

// ListPlans получает все планы
func (r *CachedPlanReader) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	cached, err := r.cache.GetCachedPlanList(ctx)
	if err != nil {
		r.log.Warnw("Error getting plan list from cache", "error", err)
	}
	if cached != nil {
		return cached, nil
	}

	plans, err := r.repo.ListPlans(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CachePlanList(ctx, plans); err != nil {
		r.log.Warnw("Failed to cache plan list", "error", err)
	}
	return plans, nil
}
