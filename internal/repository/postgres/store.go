package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store реализация repository.Store через PostgreSQL
type Store struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewStore создает хранилище поверх пула соединений
func NewStore(db *pgxpool.Pool, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log,
	}
}

var _ repository.Store = (*Store)(nil)

// WithinTx выполняет fn в одной транзакции READ COMMITTED.
// Строки намерений и подписок читаются FOR UPDATE, так что параллельные свертки сериализуются.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Warnw("Rollback failed", "error", rbErr)
		}
	}()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetPaymentIntent возвращает намерение по id
func (s *Store) GetPaymentIntent(ctx context.Context, id uuid.UUID) (domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	pi, err := scanIntent(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.PaymentIntent{}, mapError(err, "payment_intent", id.String(), "get")
	}
	return pi, nil
}

// GetPaymentIntentByKey возвращает намерение по ключу идемпотентности
func (s *Store) GetPaymentIntentByKey(ctx context.Context, key string) (domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE idempotency_key = $1`
	pi, err := scanIntent(s.db.QueryRow(ctx, query, key))
	if err != nil {
		return domain.PaymentIntent{}, mapError(err, "payment_intent", key, "get")
	}
	return pi, nil
}

// GetSubscription возвращает подписку по id
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Subscription{}, mapError(err, "subscription", id.String(), "get")
	}
	return sub, nil
}

// ListOpenPaymentIntents незавершенные намерения, включая оставшиеся без списания
func (s *Store) ListOpenPaymentIntents(ctx context.Context, limit int) ([]domain.PaymentIntent, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE status IN ('CREATED', 'GATEWAY_ACCEPTED')
		ORDER BY created_at
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open payment intents: %w", err)
	}
	return collect(rows, scanIntent)
}

// TouchProbe фиксирует время последнего опроса
func (s *Store) TouchProbe(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE payment_intents SET last_probe_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err, "payment_intent", id.String(), "touch")
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("payment_intent", id.String())
	}
	return nil
}

// ListSubscriptions выборка подписок по фильтру
func (s *Store) ListSubscriptions(ctx context.Context, f repository.SubscriptionFilter) ([]domain.Subscription, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(f.Periods) > 0 {
		periods := make([]string, len(f.Periods))
		for i, p := range f.Periods {
			periods[i] = string(p)
		}
		args = append(args, periods)
		conds = append(conds, fmt.Sprintf("period = ANY($%d)", len(args)))
	}
	if f.NextBillingBefore != nil {
		args = append(args, *f.NextBillingBefore)
		conds = append(conds, fmt.Sprintf("next_billing_date < $%d", len(args)))
	}
	if f.PlanEndBefore != nil {
		args = append(args, *f.PlanEndBefore)
		conds = append(conds, fmt.Sprintf("plan_end_date < $%d", len(args)))
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	return collect(rows, scanSubscription)
}

// ListConfirmationEvents журнал событий намерения
func (s *Store) ListConfirmationEvents(ctx context.Context, intentID uuid.UUID) ([]domain.ConfirmationEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM confirmation_events WHERE payment_intent_id = $1 ORDER BY received_at`
	rows, err := s.db.Query(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmation events: %w", err)
	}
	return collect(rows, scanEvent)
}

// ListOutbox строки outbox по фильтру
func (s *Store) ListOutbox(ctx context.Context, f repository.OutboxFilter) ([]domain.OutboxMessage, error) {
	var (
		conds []string
		args  []any
	)
	if f.SubscriptionID != nil {
		args = append(args, *f.SubscriptionID)
		conds = append(conds, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := `SELECT ` + outboxColumns + ` FROM outbox`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return collect(rows, scanOutbox)
}

// ListLedgerEntries движения бонусного счета
func (s *Store) ListLedgerEntries(ctx context.Context, subscriptionID uuid.UUID) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM reward_ledger WHERE subscription_id = $1 ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward ledger: %w", err)
	}
	return collect(rows, scanLedger)
}

// ClaimOutbox забирает готовые строки, пропуская заблокированные другими воркерами
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	query := `
		UPDATE outbox SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := s.db.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox: %w", err)
	}
	return collect(rows, scanOutbox)
}

// MarkOutboxDelivered отмечает строку доставленной
func (s *Store) MarkOutboxDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE outbox SET status = 'delivered', delivered_at = $2, attempts = attempts + 1, last_error = '' WHERE id = $1`,
		id, at)
	return mapError(err, "outbox", id.String(), "update")
}

// MarkOutboxRetry фиксирует неудачную попытку
func (s *Store) MarkOutboxRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastError string, failed bool) error {
	status := domain.OutboxStatusPending
	if failed {
		status = domain.OutboxStatusFailed
	}
	_, err := s.db.Exec(ctx,
		`UPDATE outbox SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5 WHERE id = $1`,
		id, status, attempts, next, lastError)
	return mapError(err, "outbox", id.String(), "update")
}
