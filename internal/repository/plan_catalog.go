package repository

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// planFile формат YAML-каталога планов
type planFile struct {
	Plans []domain.Plan `yaml:"plans"`
}

// PlanCatalog неизменяемый каталог планов в памяти
type PlanCatalog struct {
	plans map[string]domain.Plan
}

// NewPlanCatalog создает каталог из списка планов
func NewPlanCatalog(plans ...domain.Plan) *PlanCatalog {
	c := &PlanCatalog{plans: make(map[string]domain.Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// LoadPlanCatalog читает каталог планов из YAML-файла
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return ParsePlanCatalog(content)
}

// ParsePlanCatalog разбирает YAML-каталог и проверяет планы
func ParsePlanCatalog(content []byte) (*PlanCatalog, error) {
	var f planFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Plans))
	for _, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan without id", domain.ErrInvalidInput)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: plan %s declared twice", domain.ErrInvalidInput, p.ID)
		}
		seen[p.ID] = struct{}{}
		for period, price := range p.Prices {
			if !period.Valid() || price <= 0 {
				return nil, fmt.Errorf("%w: plan %s has invalid price %s=%d", domain.ErrInvalidInput, p.ID, period, price)
			}
		}
	}
	return NewPlanCatalog(f.Plans...), nil
}

// GetPlan возвращает активный план по id
func (c *PlanCatalog) GetPlan(_ context.Context, id string) (domain.Plan, error) {
	p, ok := c.plans[id]
	if !ok || !p.Active {
		return domain.Plan{}, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id)
	}
	return p, nil
}

// ListPlans возвращает активные планы, отсортированные по id
func (c *PlanCatalog) ListPlans(_ context.Context) ([]domain.Plan, error) {
	out := make([]domain.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
