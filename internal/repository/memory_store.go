package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
)

// memoryState снимок всех таблиц хранилища в памяти
type memoryState struct {
	customers     map[uuid.UUID]domain.Customer
	intents       map[uuid.UUID]domain.PaymentIntent
	subscriptions map[uuid.UUID]domain.Subscription
	events        []domain.ConfirmationEvent
	outbox        []domain.OutboxMessage
	ledger        []domain.LedgerEntry
}

func newMemoryState() *memoryState {
	return &memoryState{
		customers:     make(map[uuid.UUID]domain.Customer),
		intents:       make(map[uuid.UUID]domain.PaymentIntent),
		subscriptions: make(map[uuid.UUID]domain.Subscription),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		customers:     make(map[uuid.UUID]domain.Customer, len(s.customers)),
		intents:       make(map[uuid.UUID]domain.PaymentIntent, len(s.intents)),
		subscriptions: make(map[uuid.UUID]domain.Subscription, len(s.subscriptions)),
		events:        append([]domain.ConfirmationEvent(nil), s.events...),
		outbox:        append([]domain.OutboxMessage(nil), s.outbox...),
		ledger:        append([]domain.LedgerEntry(nil), s.ledger...),
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.subscriptions {
		c.subscriptions[k] = v
	}
	return c
}

// InMemoryStore реализация Store в памяти для тестов и локального запуска.
// Транзакции сериализуются одним мьютексом и работают над копией состояния,
// которая заменяет основное состояние только при успешном завершении.
// Внутри WithinTx используйте только переданный Tx.
type InMemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

// NewInMemoryStore создает пустое хранилище в памяти
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: newMemoryState(), now: time.Now}
}

// WithClock подменяет часы (для тестов)
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

// WithinTx выполняет fn атомарно
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{state: s.state.clone(), now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// GetPaymentIntent возвращает намерение по id
func (s *InMemoryStore) GetPaymentIntent(_ context.Context, id uuid.UUID) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.state.intents[id]
	if !ok {
		return domain.PaymentIntent{}, domain.NewNotFoundError("payment_intent", id.String())
	}
	return intent, nil
}

// GetPaymentIntentByKey возвращает намерение по ключу идемпотентности
func (s *InMemoryStore) GetPaymentIntentByKey(_ context.Context, key string) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, intent := range s.state.intents {
		if intent.IdempotencyKey == key {
			return intent, nil
		}
	}
	return domain.PaymentIntent{}, domain.NewNotFoundError("payment_intent", key)
}

// GetSubscription возвращает подписку по id
func (s *InMemoryStore) GetSubscription(_ context.Context, id uuid.UUID) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.state.subscriptions[id]
	if !ok {
		return domain.Subscription{}, domain.NewNotFoundError("subscription", id.String())
	}
	return sub, nil
}

// GetCustomer возвращает клиента по id
func (s *InMemoryStore) GetCustomer(_ context.Context, id uuid.UUID) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.customers[id]
	if !ok {
		return domain.Customer{}, domain.NewNotFoundError("customer", id.String())
	}
	return c, nil
}

// ListOpenPaymentIntents незавершенные намерения, включая оставшиеся без списания
func (s *InMemoryStore) ListOpenPaymentIntents(_ context.Context, limit int) ([]domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentIntent
	for _, intent := range s.state.intents {
		if intent.Status.Terminal() {
			continue
		}
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TouchProbe обновляет LastProbeAt без изменения версии
func (s *InMemoryStore) TouchProbe(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.state.intents[id]
	if !ok {
		return domain.NewNotFoundError("payment_intent", id.String())
	}
	intent.LastProbeAt = &at
	s.state.intents[id] = intent
	return nil
}

// ListSubscriptions выборка подписок по фильтру
func (s *InMemoryStore) ListSubscriptions(_ context.Context, f SubscriptionFilter) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Subscription
	for _, sub := range s.state.subscriptions {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, sub.Status) {
			continue
		}
		if len(f.Periods) > 0 && !slices.Contains(f.Periods, sub.Period) {
			continue
		}
		if f.NextBillingBefore != nil && (sub.NextBillingDate == nil || !sub.NextBillingDate.Before(*f.NextBillingBefore)) {
			continue
		}
		if f.PlanEndBefore != nil && (sub.PlanEndDate == nil || !sub.PlanEndDate.Before(*f.PlanEndBefore)) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListConfirmationEvents журнал событий намерения в порядке поступления
func (s *InMemoryStore) ListConfirmationEvents(_ context.Context, intentID uuid.UUID) ([]domain.ConfirmationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConfirmationEvent
	for _, e := range s.state.events {
		if e.PaymentIntentID == intentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListOutbox строки outbox по фильтру
func (s *InMemoryStore) ListOutbox(_ context.Context, f OutboxFilter) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range s.state.outbox {
		if f.SubscriptionID != nil && m.SubscriptionID != *f.SubscriptionID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListLedgerEntries движения бонусного счета подписки
func (s *InMemoryStore) ListLedgerEntries(_ context.Context, subscriptionID uuid.UUID) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.state.ledger {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ClaimOutbox выдает готовые строки и сдвигает их NextAttemptAt на lease
func (s *InMemoryStore) ClaimOutbox(_ context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxMessage
	for i := range s.state.outbox {
		m := &s.state.outbox[i]
		if m.Status != domain.OutboxStatusPending || m.NextAttemptAt.After(now) {
			continue
		}
		m.NextAttemptAt = now.Add(lease)
		out = append(out, *m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxDelivered отмечает строку доставленной
func (s *InMemoryStore) MarkOutboxDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		if s.state.outbox[i].ID == id {
			s.state.outbox[i].Status = domain.OutboxStatusDelivered
			s.state.outbox[i].DeliveredAt = &at
			s.state.outbox[i].Attempts++
			return nil
		}
	}
	return domain.NewNotFoundError("outbox", id.String())
}

// MarkOutboxRetry фиксирует неудачную попытку доставки
func (s *InMemoryStore) MarkOutboxRetry(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastError string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		m := &s.state.outbox[i]
		if m.ID != id {
			continue
		}
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastError = lastError
		if failed {
			m.Status = domain.OutboxStatusFailed
		}
		return nil
	}
	return domain.NewNotFoundError("outbox", id.String())
}

// memoryTx Tx над копией состояния
type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) GetCustomerByTaxID(_ context.Context, taxID string) (domain.Customer, error) {
	for _, c := range t.state.customers {
		if c.TaxID == taxID {
			return c, nil
		}
	}
	return domain.Customer{}, domain.NewNotFoundError("customer", taxID)
}

func (t *memoryTx) CreateCustomer(_ context.Context, c domain.Customer) error {
	if _, ok := t.state.customers[c.ID]; ok {
		return domain.NewDuplicateError("customer", "id", c.ID.String())
	}
	for _, existing := range t.state.customers {
		if existing.TaxID == c.TaxID {
			return domain.NewDuplicateError("customer", "tax_id", c.TaxID)
		}
	}
	t.state.customers[c.ID] = c
	return nil
}

func (t *memoryTx) SetGatewayCustomerID(_ context.Context, customerID uuid.UUID, gatewayID string) error {
	c, ok := t.state.customers[customerID]
	if !ok {
		return domain.NewNotFoundError("customer", customerID.String())
	}
	if c.HasGatewayCustomer() {
		if *c.GatewayCustomerID == gatewayID {
			return nil
		}
		return fmt.Errorf("%w: customer %s already linked to %s", domain.ErrDuplicate, customerID, *c.GatewayCustomerID)
	}
	c.GatewayCustomerID = &gatewayID
	c.UpdatedAt = t.now()
	t.state.customers[customerID] = c
	return nil
}

func (t *memoryTx) CreatePaymentIntent(_ context.Context, intent domain.PaymentIntent) error {
	if _, ok := t.state.intents[intent.ID]; ok {
		return domain.NewDuplicateError("payment_intent", "id", intent.ID.String())
	}
	for _, existing := range t.state.intents {
		if existing.IdempotencyKey == intent.IdempotencyKey {
			return domain.NewDuplicateError("payment_intent", "idempotency_key", intent.IdempotencyKey)
		}
	}
	t.state.intents[intent.ID] = intent
	return nil
}

func (t *memoryTx) GetPaymentIntent(_ context.Context, id uuid.UUID) (domain.PaymentIntent, error) {
	intent, ok := t.state.intents[id]
	if !ok {
		return domain.PaymentIntent{}, domain.NewNotFoundError("payment_intent", id.String())
	}
	return intent, nil
}

func (t *memoryTx) GetPaymentIntentByChargeID(_ context.Context, chargeID string) (domain.PaymentIntent, error) {
	for _, intent := range t.state.intents {
		if intent.HasCharge() && *intent.GatewayChargeID == chargeID {
			return intent, nil
		}
	}
	return domain.PaymentIntent{}, domain.NewNotFoundError("payment_intent", chargeID)
}

func (t *memoryTx) UpdatePaymentIntent(_ context.Context, intent domain.PaymentIntent) error {
	stored, ok := t.state.intents[intent.ID]
	if !ok {
		return domain.NewNotFoundError("payment_intent", intent.ID.String())
	}
	if stored.Version != intent.Version {
		return fmt.Errorf("%w: payment_intent %s at version %d, got %d", domain.ErrVersionConflict, intent.ID, stored.Version, intent.Version)
	}
	intent.Version++
	intent.UpdatedAt = t.now()
	t.state.intents[intent.ID] = intent
	return nil
}

func (t *memoryTx) CreateSubscription(_ context.Context, sub domain.Subscription) error {
	if _, ok := t.state.subscriptions[sub.ID]; ok {
		return domain.NewDuplicateError("subscription", "id", sub.ID.String())
	}
	t.state.subscriptions[sub.ID] = sub
	return nil
}

func (t *memoryTx) GetSubscription(_ context.Context, id uuid.UUID) (domain.Subscription, error) {
	sub, ok := t.state.subscriptions[id]
	if !ok {
		return domain.Subscription{}, domain.NewNotFoundError("subscription", id.String())
	}
	return sub, nil
}

func (t *memoryTx) UpdateSubscription(_ context.Context, sub domain.Subscription) error {
	stored, ok := t.state.subscriptions[sub.ID]
	if !ok {
		return domain.NewNotFoundError("subscription", sub.ID.String())
	}
	if stored.Version != sub.Version {
		return fmt.Errorf("%w: subscription %s at version %d, got %d", domain.ErrVersionConflict, sub.ID, stored.Version, sub.Version)
	}
	sub.Version++
	sub.UpdatedAt = t.now()
	t.state.subscriptions[sub.ID] = sub
	return nil
}

func (t *memoryTx) AppendConfirmationEvent(_ context.Context, e domain.ConfirmationEvent) error {
	if e.Outcome == domain.EventOutcomeApplied {
		for _, existing := range t.state.events {
			if existing.Outcome == domain.EventOutcomeApplied && existing.DedupKey == e.DedupKey {
				return domain.NewDuplicateError("confirmation_event", "dedup_key", e.DedupKey)
			}
		}
	}
	t.state.events = append(t.state.events, e)
	return nil
}

func (t *memoryTx) IsEventApplied(_ context.Context, dedupKey string) (bool, error) {
	for _, e := range t.state.events {
		if e.Outcome == domain.EventOutcomeApplied && e.DedupKey == dedupKey {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertOutbox(_ context.Context, messages ...domain.OutboxMessage) error {
	for _, m := range messages {
		for _, existing := range t.state.outbox {
			if existing.TransitionKey == m.TransitionKey && existing.Kind == m.Kind {
				return domain.NewDuplicateError("outbox", "transition_key", m.TransitionKey+"/"+string(m.Kind))
			}
		}
		t.state.outbox = append(t.state.outbox, m)
	}
	return nil
}

func (t *memoryTx) AppendLedgerEntries(_ context.Context, entries ...domain.LedgerEntry) error {
	t.state.ledger = append(t.state.ledger, entries...)
	return nil
}
