package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// DefaultConflictRetries сколько раз перечитывать подписку при конфликте версий
const DefaultConflictRetries = 5

// Transitioner выполняет переходы вне редьюсера (админ-отмена, планировщик):
// читает подписку, применяет переход и повторяет попытку при конфликте версий
type Transitioner struct {
	store   repository.Store
	plans   repository.PlanReader
	machine *Machine
	retries uint64
	now     func() time.Time
	log     *logger.Logger
}

// NewTransitioner создает Transitioner
func NewTransitioner(store repository.Store, plans repository.PlanReader, machine *Machine, log *logger.Logger) *Transitioner {
	return &Transitioner{
		store:   store,
		plans:   plans,
		machine: machine,
		retries: DefaultConflictRetries,
		now:     time.Now,
		log:     log,
	}
}

// WithClock подменяет часы (для тестов)
func (t *Transitioner) WithClock(now func() time.Time) *Transitioner {
	t.now = now
	return t
}

// Transition применяет in к подписке subscriptionID в отдельной транзакции
func (t *Transitioner) Transition(ctx context.Context, subscriptionID uuid.UUID, in Input) (domain.Subscription, domain.Transition, error) {
	if in.At.IsZero() {
		in.At = t.now()
	}

	var (
		result     domain.Subscription
		transition domain.Transition
		attempt    int
	)

	op := func() error {
		attempt++
		err := t.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			sub, err := tx.GetSubscription(ctx, subscriptionID)
			if err != nil {
				return err
			}

			input := in
			if input.Plan.ID == "" && in.Event == domain.EventPaymentConfirmed {
				plan, err := t.plans.GetPlan(ctx, sub.PlanID)
				if err != nil {
					return fmt.Errorf("failed to load plan %s: %w", sub.PlanID, err)
				}
				input.Plan = plan
			}

			result, transition, err = t.machine.ApplyInTx(ctx, tx, sub, input)
			return err
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			t.log.Warnw("Subscription version conflict, retrying",
				"subscription_id", subscriptionID,
				"event", in.Event,
				"attempt", attempt,
			)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(conflictBackOff(), t.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return domain.Subscription{}, domain.Transition{}, err
	}
	return result, transition, nil
}

func conflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}
