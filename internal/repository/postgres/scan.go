package postgres

import (
	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const customerColumns = `id, tax_id, name, email, phone, gateway_customer_id, created_at, updated_at`

const intentColumns = `id, idempotency_key, customer_id, subscription_id, plan_id, period, method,
	amount_cents, currency, gateway_charge_id, status, version, pix_payload, bank_slip_url,
	expires_at, last_probe_at, created_at, updated_at`

const subscriptionColumns = `id, customer_id, plan_id, period, status, version, last_payment_intent_id,
	next_billing_date, plan_start_date, plan_end_date, retry_count, points_balance,
	cashback_balance_cents, activated_at, suspended_at, canceled_at, cancel_reason, created_at, updated_at`

const eventColumns = `id, source, gateway_charge_id, payment_intent_id, dedup_key, reported_status,
	received_at, payload_hash, outcome`

const outboxColumns = `id, kind, transition_key, subscription_id, customer_id, payment_intent_id, payload,
	status, attempts, next_attempt_at, last_error, created_at, delivered_at`

const ledgerColumns = `id, subscription_id, kind, delta, reason, payment_intent_id, created_at`

func scanCustomer(row pgx.Row) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.TaxID, &c.Name, &c.Email, &c.Phone, &c.GatewayCustomerID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanIntent(row pgx.Row) (domain.PaymentIntent, error) {
	var pi domain.PaymentIntent
	err := row.Scan(
		&pi.ID,
		&pi.IdempotencyKey,
		&pi.CustomerID,
		&pi.SubscriptionID,
		&pi.PlanID,
		&pi.Period,
		&pi.Method,
		&pi.AmountCents,
		&pi.Currency,
		&pi.GatewayChargeID,
		&pi.Status,
		&pi.Version,
		&pi.PixPayload,
		&pi.BankSlipURL,
		&pi.ExpiresAt,
		&pi.LastProbeAt,
		&pi.CreatedAt,
		&pi.UpdatedAt,
	)
	return pi, err
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.CustomerID,
		&s.PlanID,
		&s.Period,
		&s.Status,
		&s.Version,
		&s.LastPaymentIntentID,
		&s.NextBillingDate,
		&s.PlanStartDate,
		&s.PlanEndDate,
		&s.RetryCount,
		&s.PointsBalance,
		&s.CashbackBalanceCents,
		&s.ActivatedAt,
		&s.SuspendedAt,
		&s.CanceledAt,
		&s.CancelReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func scanEvent(row pgx.Row) (domain.ConfirmationEvent, error) {
	var e domain.ConfirmationEvent
	err := row.Scan(&e.ID, &e.Source, &e.GatewayChargeID, &e.PaymentIntentID, &e.DedupKey,
		&e.ReportedStatus, &e.ReceivedAt, &e.PayloadHash, &e.Outcome)
	return e, err
}

func scanOutbox(row pgx.Row) (domain.OutboxMessage, error) {
	var (
		m        domain.OutboxMessage
		intentID *uuid.UUID
		payload  []byte
	)
	err := row.Scan(&m.ID, &m.Kind, &m.TransitionKey, &m.SubscriptionID, &m.CustomerID, &intentID, &payload,
		&m.Status, &m.Attempts, &m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.DeliveredAt)
	if intentID != nil {
		m.PaymentIntentID = *intentID
	}
	m.Payload = payload
	return m, err
}

func scanLedger(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e        domain.LedgerEntry
		intentID *uuid.UUID
	)
	err := row.Scan(&e.ID, &e.SubscriptionID, &e.Kind, &e.Delta, &e.Reason, &intentID, &e.CreatedAt)
	if intentID != nil {
		e.PaymentIntentID = *intentID
	}
	return e, err
}

// collect читает все строки через scan
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
