package postgres

import (
	"context"
	"fmt"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// pgTx реализация repository.Tx поверх pgx.Tx
type pgTx struct {
	q pgx.Tx
}

// CreatePaymentIntent сохраняет новое намерение оплаты
func (t *pgTx) CreatePaymentIntent(ctx context.Context, pi domain.PaymentIntent) error {
	query := `INSERT INTO payment_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := t.q.Exec(ctx, query,
		pi.ID, pi.IdempotencyKey, pi.CustomerID, pi.SubscriptionID, pi.PlanID, pi.Period, pi.Method,
		pi.AmountCents, pi.Currency, pi.GatewayChargeID, pi.Status, pi.Version, pi.PixPayload, pi.BankSlipURL,
		pi.ExpiresAt, pi.LastProbeAt, pi.CreatedAt, pi.UpdatedAt,
	)
	return mapError(err, "payment_intent", pi.IdempotencyKey, "create")
}

// GetPaymentIntent блокирует строку намерения до конца транзакции
func (t *pgTx) GetPaymentIntent(ctx context.Context, id uuid.UUID) (domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1 FOR UPDATE`

	pi, err := scanIntent(t.q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.PaymentIntent{}, mapError(err, "payment_intent", id.String(), "get")
	}
	return pi, nil
}

// GetPaymentIntentByChargeID ищет намерение по id списания в шлюзе
func (t *pgTx) GetPaymentIntentByChargeID(ctx context.Context, chargeID string) (domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE gateway_charge_id = $1 FOR UPDATE`

	pi, err := scanIntent(t.q.QueryRow(ctx, query, chargeID))
	if err != nil {
		return domain.PaymentIntent{}, mapError(err, "payment_intent", chargeID, "get")
	}
	return pi, nil
}

// UpdatePaymentIntent обновляет намерение при совпадении версии
func (t *pgTx) UpdatePaymentIntent(ctx context.Context, pi domain.PaymentIntent) error {
	query := `
		UPDATE payment_intents
		SET gateway_charge_id = $3, status = $4, pix_payload = $5, bank_slip_url = $6,
			expires_at = $7, last_probe_at = $8, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := t.q.Exec(ctx, query, pi.ID, pi.Version, pi.GatewayChargeID, pi.Status, pi.PixPayload,
		pi.BankSlipURL, pi.ExpiresAt, pi.LastProbeAt)
	if err != nil {
		return mapError(err, "payment_intent", pi.ID.String(), "update")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment_intent %s at version %d", domain.ErrVersionConflict, pi.ID, pi.Version)
	}
	return nil
}

// CreateSubscription сохраняет новую подписку
func (t *pgTx) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := t.q.Exec(ctx, query,
		s.ID, s.CustomerID, s.PlanID, s.Period, s.Status, s.Version, s.LastPaymentIntentID,
		s.NextBillingDate, s.PlanStartDate, s.PlanEndDate, s.RetryCount, s.PointsBalance,
		s.CashbackBalanceCents, s.ActivatedAt, s.SuspendedAt, s.CanceledAt, s.CancelReason, s.CreatedAt, s.UpdatedAt,
	)
	return mapError(err, "subscription", s.ID.String(), "create")
}

// GetSubscription блокирует строку подписки до конца транзакции
func (t *pgTx) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`

	s, err := scanSubscription(t.q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Subscription{}, mapError(err, "subscription", id.String(), "get")
	}
	return s, nil
}

// UpdateSubscription обновляет подписку при совпадении версии
func (t *pgTx) UpdateSubscription(ctx context.Context, s domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET status = $3, last_payment_intent_id = $4, next_billing_date = $5, plan_start_date = $6,
			plan_end_date = $7, retry_count = $8, points_balance = $9, cashback_balance_cents = $10,
			activated_at = $11, suspended_at = $12, canceled_at = $13, cancel_reason = $14,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := t.q.Exec(ctx, query, s.ID, s.Version, s.Status, s.LastPaymentIntentID, s.NextBillingDate,
		s.PlanStartDate, s.PlanEndDate, s.RetryCount, s.PointsBalance, s.CashbackBalanceCents,
		s.ActivatedAt, s.SuspendedAt, s.CanceledAt, s.CancelReason)
	if err != nil {
		return mapError(err, "subscription", s.ID.String(), "update")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: subscription %s at version %d", domain.ErrVersionConflict, s.ID, s.Version)
	}
	return nil
}

// AppendConfirmationEvent добавляет событие в журнал
func (t *pgTx) AppendConfirmationEvent(ctx context.Context, e domain.ConfirmationEvent) error {
	query := `INSERT INTO confirmation_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := t.q.Exec(ctx, query, e.ID, e.Source, e.GatewayChargeID, e.PaymentIntentID, e.DedupKey,
		e.ReportedStatus, e.ReceivedAt, e.PayloadHash, e.Outcome)
	return mapError(err, "confirmation_event", e.DedupKey, "append")
}

// IsEventApplied проверяет, применялось ли событие с таким ключом
func (t *pgTx) IsEventApplied(ctx context.Context, dedupKey string) (bool, error) {
	var applied bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM confirmation_events WHERE dedup_key = $1 AND outcome = 'applied')`,
		dedupKey,
	).Scan(&applied)
	if err != nil {
		return false, mapError(err, "confirmation_event", dedupKey, "check")
	}
	return applied, nil
}

// InsertOutbox добавляет строки outbox одним батчем
func (t *pgTx) InsertOutbox(ctx context.Context, messages ...domain.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	query := `INSERT INTO outbox (` + outboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(query, m.ID, m.Kind, m.TransitionKey, m.SubscriptionID, m.CustomerID, nullUUID(m.PaymentIntentID),
			[]byte(m.Payload), m.Status, m.Attempts, m.NextAttemptAt, m.LastError, m.CreatedAt, m.DeliveredAt)
	}
	br := t.q.SendBatch(ctx, batch)
	defer br.Close()

	for _, m := range messages {
		if _, err := br.Exec(); err != nil {
			return mapError(err, "outbox", m.TransitionKey+"/"+string(m.Kind), "insert")
		}
	}
	return nil
}

// AppendLedgerEntries добавляет движения бонусного счета
func (t *pgTx) AppendLedgerEntries(ctx context.Context, entries ...domain.LedgerEntry) error {
	query := `INSERT INTO reward_ledger (` + ledgerColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, e := range entries {
		if _, err := t.q.Exec(ctx, query, e.ID, e.SubscriptionID, e.Kind, e.Delta, e.Reason,
			nullUUID(e.PaymentIntentID), e.CreatedAt); err != nil {
			return mapError(err, "reward_ledger", e.SubscriptionID.String(), "append")
		}
	}
	return nil
}
