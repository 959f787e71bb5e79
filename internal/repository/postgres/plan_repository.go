package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PlanRepository чтение планов из таблицы plans
type PlanRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPlanRepository создает репозиторий планов
func NewPlanRepository(db *pgxpool.Pool, log *logger.Logger) *PlanRepository {
	return &PlanRepository{db: db, log: log}
}

const planColumns = `id, name, currency, prices, features, benefit_ids, reward_points, cashback_basis_points, one_time_days, active`

func scanPlan(row pgx.Row) (domain.Plan, error) {
	var (
		p                        domain.Plan
		prices, features, benefs []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Currency, &prices, &features, &benefs,
		&p.RewardPoints, &p.CashbackBasisPoints, &p.OneTimeDays, &p.Active); err != nil {
		return domain.Plan{}, err
	}
	if err := json.Unmarshal(prices, &p.Prices); err != nil {
		return domain.Plan{}, fmt.Errorf("invalid prices for plan %s: %w", p.ID, err)
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.Features); err != nil {
			return domain.Plan{}, fmt.Errorf("invalid features for plan %s: %w", p.ID, err)
		}
	}
	if len(benefs) > 0 {
		if err := json.Unmarshal(benefs, &p.BenefitIDs); err != nil {
			return domain.Plan{}, fmt.Errorf("invalid benefit ids for plan %s: %w", p.ID, err)
		}
	}
	return p, nil
}

// GetPlan возвращает активный план
func (r *PlanRepository) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1 AND active`

	p, err := scanPlan(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Plan{}, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id)
		}
		return domain.Plan{}, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// ListPlans возвращает все активные планы
func (r *PlanRepository) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	return collect(rows, scanPlan)
}

// UpsertPlans загружает каталог в таблицу plans (используется при старте)
func (r *PlanRepository) UpsertPlans(ctx context.Context, plans []domain.Plan) error {
	query := `
		INSERT INTO plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, currency = EXCLUDED.currency, prices = EXCLUDED.prices,
			features = EXCLUDED.features, benefit_ids = EXCLUDED.benefit_ids,
			reward_points = EXCLUDED.reward_points, cashback_basis_points = EXCLUDED.cashback_basis_points,
			one_time_days = EXCLUDED.one_time_days, active = EXCLUDED.active
	`
	batch := &pgx.Batch{}
	for _, p := range plans {
		prices, err := json.Marshal(p.Prices)
		if err != nil {
			return fmt.Errorf("failed to marshal prices for plan %s: %w", p.ID, err)
		}
		features, _ := json.Marshal(nonNil(p.Features))
		benefits, _ := json.Marshal(nonNil(p.BenefitIDs))
		batch.Queue(query, p.ID, p.Name, p.Currency, prices, features, benefits,
			p.RewardPoints, p.CashbackBasisPoints, p.OneTimeDays, p.Active)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for _, p := range plans {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert plan %s: %w", p.ID, err)
		}
	}
	r.log.Infow("Plan catalog synced", "count", len(plans))
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
