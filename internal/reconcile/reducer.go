// Package reconcile сводит подтверждения из двух каналов (вебхук и опрос шлюза)
// в переходы подписки. Каждое событие применяется не более одного раза.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/internal/subscription"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Result итог свертки события
type Result struct {
	Outcome      domain.EventOutcome
	Event        domain.ConfirmationEvent
	Intent       domain.PaymentIntent
	Subscription *domain.Subscription
	Transition   *domain.Transition
}

// Observer метрики редьюсера
type Observer interface {
	ObserveReconcile(source domain.EventSource, outcome domain.EventOutcome)
}

// Options параметры редьюсера
type Options struct {
	// CardRetryLimit сколько отказов по карте оставляют подписку в PENDING
	CardRetryLimit int
	// ConflictRetries сколько раз повторять свертку при гонке двух каналов
	ConflictRetries uint64
}

// Reducer сворачивает ConfirmationEvent в статус PaymentIntent и переход подписки
type Reducer struct {
	store    repository.Store
	plans    repository.PlanReader
	machine  *subscription.Machine
	opts     Options
	observer Observer
	now      func() time.Time
	log      *logger.Logger

	mu        sync.RWMutex
	listeners []func(Result)
}

// NewReducer создает редьюсер. observer может быть nil.
func NewReducer(store repository.Store, plans repository.PlanReader, machine *subscription.Machine, opts Options, observer Observer, log *logger.Logger) *Reducer {
	if opts.ConflictRetries == 0 {
		opts.ConflictRetries = 5
	}
	return &Reducer{
		store:    store,
		plans:    plans,
		machine:  machine,
		opts:     opts,
		observer: observer,
		now:      time.Now,
		log:      log,
	}
}

// WithClock подменяет часы (для тестов)
func (r *Reducer) WithClock(now func() time.Time) *Reducer {
	r.now = now
	return r
}

// OnApplied регистрирует обработчик примененных событий (например, отмена опроса)
func (r *Reducer) OnApplied(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Apply сворачивает событие. Дубликаты и устаревшие события не ошибка:
// они возвращаются с соответствующим Outcome.
func (r *Reducer) Apply(ctx context.Context, event domain.ConfirmationEvent) (Result, error) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = r.now()
	}
	event.ReceivedAt = event.ReceivedAt.UTC()

	var result Result
	op := func() error {
		var err error
		result, err = r.applyOnce(ctx, event)
		if err == nil {
			return nil
		}
		// гонка вебхука и опроса: перечитать и увидеть дубликат
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrDuplicate) {
			r.log.Debugw("Reconcile race, retrying", "charge_id", event.GatewayChargeID, "status", event.ReportedStatus, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.opts.ConflictRetries), ctx)); err != nil {
		return Result{}, err
	}

	if r.observer != nil {
		r.observer.ObserveReconcile(event.Source, result.Outcome)
	}
	r.logOutcome(result)

	if result.Outcome == domain.EventOutcomeApplied {
		r.mu.RLock()
		listeners := r.listeners
		r.mu.RUnlock()
		for _, fn := range listeners {
			fn(result)
		}
	}
	return result, nil
}

func (r *Reducer) applyOnce(ctx context.Context, in domain.ConfirmationEvent) (Result, error) {
	var result Result
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		intent, err := r.resolveIntent(ctx, tx, in)
		if err != nil {
			return err
		}

		// списание создано в шлюзе, но id не успели сохранить
		chargeAttached := false
		if !intent.HasCharge() && in.GatewayChargeID != "" {
			chargeID := in.GatewayChargeID
			intent.GatewayChargeID = &chargeID
			chargeAttached = true
		}

		event := in
		event.ID = uuid.New()
		event.PaymentIntentID = intent.ID
		event.DedupKey = domain.DedupKey(intent.ChargeRef(), in.ReportedStatus)
		result.Intent = intent

		target, known := in.ReportedStatus.IntentStatus()
		outcome := domain.EventOutcomeApplied
		switch {
		case !known:
			outcome = domain.EventOutcomeIgnored
		default:
			applied, err := tx.IsEventApplied(ctx, event.DedupKey)
			if err != nil {
				return err
			}
			switch {
			case applied || target == intent.Status:
				outcome = domain.EventOutcomeDuplicate
			case target.Rank() <= intent.Status.Rank():
				outcome = domain.EventOutcomeStale
			}
		}

		if outcome != domain.EventOutcomeApplied {
			event.Outcome = outcome
			result.Outcome = outcome
			result.Event = event
			if chargeAttached {
				if err := tx.UpdatePaymentIntent(ctx, intent); err != nil {
					return err
				}
				intent.Version++
				result.Intent = intent
			}
			return tx.AppendConfirmationEvent(ctx, event)
		}

		intent.Status = target
		if err := tx.UpdatePaymentIntent(ctx, intent); err != nil {
			return err
		}
		intent.Version++

		event.Outcome = domain.EventOutcomeApplied
		if err := tx.AppendConfirmationEvent(ctx, event); err != nil {
			return err
		}

		result.Outcome = domain.EventOutcomeApplied
		result.Event = event
		result.Intent = intent

		sub, tr, err := r.transition(ctx, tx, intent, event)
		if err != nil {
			return err
		}
		result.Subscription = sub
		result.Transition = tr
		return nil
	})
	return result, err
}

func (r *Reducer) resolveIntent(ctx context.Context, tx repository.Tx, in domain.ConfirmationEvent) (domain.PaymentIntent, error) {
	if in.PaymentIntentID != uuid.Nil {
		intent, err := tx.GetPaymentIntent(ctx, in.PaymentIntentID)
		if err == nil || !errors.Is(err, domain.ErrNotFound) || in.GatewayChargeID == "" {
			return intent, err
		}
	}
	if in.GatewayChargeID == "" {
		return domain.PaymentIntent{}, fmt.Errorf("%w: event has neither intent nor charge id", domain.ErrInvalidInput)
	}
	return tx.GetPaymentIntentByChargeID(ctx, in.GatewayChargeID)
}

// transition переводит подписку, если новое состояние намерения этого требует
func (r *Reducer) transition(ctx context.Context, tx repository.Tx, intent domain.PaymentIntent, event domain.ConfirmationEvent) (*domain.Subscription, *domain.Transition, error) {
	sub, err := tx.GetSubscription(ctx, intent.SubscriptionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subscription %s: %w", intent.SubscriptionID, err)
	}

	input := subscription.Input{Intent: &intent, At: event.ReceivedAt}
	switch intent.Status {
	case domain.PaymentIntentConfirmed:
		input.Event = domain.EventPaymentConfirmed
		plan, err := r.plans.GetPlan(ctx, sub.PlanID)
		if err != nil {
			if !errors.Is(err, domain.ErrPlanNotFound) && !errors.Is(err, domain.ErrNotFound) {
				return nil, nil, err
			}
			// план сняли с продажи после оплаты: активируем без бонусов
			r.log.Warnw("Plan not available at activation", "plan_id", sub.PlanID, "subscription_id", sub.ID)
			plan = domain.Plan{ID: sub.PlanID}
		}
		input.Plan = plan

	case domain.PaymentIntentGatewayRejected, domain.PaymentIntentExpired:
		// отказ по старому намерению не трогает подписку, оплаченную другим
		if sub.LastPaymentIntentID != intent.ID || sub.Status != domain.SubscriptionStatusPending {
			return &sub, nil, nil
		}
		input.Event = domain.EventPaymentFailed
		input.Reason = "payment " + string(intent.Status)
		// брошенное намерение по карте повторять некому
		if intent.Method == domain.BillingMethodCreditCard && intent.Status == domain.PaymentIntentGatewayRejected &&
			sub.RetryCount < r.opts.CardRetryLimit {
			input.Event = domain.EventPaymentRetry
		}

	default:
		return &sub, nil, nil
	}

	if !subscription.Allowed(sub.Status, input.Event) {
		r.log.Errorw("Confirmation does not fit subscription state, manual review required",
			"subscription_id", sub.ID,
			"subscription_status", sub.Status,
			"payment_intent_id", intent.ID,
			"charge_id", intent.ChargeRef(),
			"event", input.Event,
		)
		return &sub, nil, nil
	}

	next, tr, err := r.machine.ApplyInTx(ctx, tx, sub, input)
	if err != nil {
		return nil, nil, err
	}
	return &next, &tr, nil
}

func (r *Reducer) logOutcome(res Result) {
	fields := []interface{}{
		"source", res.Event.Source,
		"charge_ref", res.Intent.ChargeRef(),
		"payment_intent_id", res.Intent.ID,
		"reported_status", res.Event.ReportedStatus,
		"intent_status", res.Intent.Status,
		"outcome", res.Outcome,
	}
	switch res.Outcome {
	case domain.EventOutcomeApplied:
		if res.Transition != nil {
			fields = append(fields, "subscription_from", res.Transition.From, "subscription_to", res.Transition.To)
		}
		r.log.Infow("Confirmation event applied", fields...)
	case domain.EventOutcomeStale:
		if res.Event.ReportedStatus == domain.GatewayStatusConfirmed && res.Intent.Status != domain.PaymentIntentConfirmed {
			// деньги пришли после истечения: нужен ручной возврат
			r.log.Warnw("Late confirmation for closed payment intent", fields...)
			return
		}
		r.log.Debugw("Stale confirmation event dropped", fields...)
	default:
		r.log.Debugw("Confirmation event not applied", fields...)
	}
}
