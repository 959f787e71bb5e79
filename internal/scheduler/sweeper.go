// Package scheduler периодические задачи жизненного цикла подписок.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/internal/subscription"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

const (
	JobSuspendOverdue = "suspend_overdue"
	JobExpireElapsed  = "expire_elapsed"
)

var recurringPeriods = []domain.BillingPeriod{domain.BillingPeriodMonthly, domain.BillingPeriodYearly}

// SubscriptionLister выборка подписок для обхода
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, f repository.SubscriptionFilter) ([]domain.Subscription, error)
}

// Transitioner применяет переход к подписке (subscription.Transitioner)
type Transitioner interface {
	Transition(ctx context.Context, subscriptionID uuid.UUID, in subscription.Input) (domain.Subscription, domain.Transition, error)
}

// Observer метрики обхода
type Observer interface {
	ObserveSweep(job string, processed int, failed int)
}

// SweeperOptions параметры обхода
type SweeperOptions struct {
	// GracePeriod сколько ждать оплату после nextBillingDate до приостановки
	GracePeriod time.Duration
	// SuspensionWindow сколько приостановленная подписка живет после planEndDate
	SuspensionWindow time.Duration
	BatchSize        int
}

// DefaultSweeperOptions значения по умолчанию
func DefaultSweeperOptions() SweeperOptions {
	return SweeperOptions{
		GracePeriod:      3 * 24 * time.Hour,
		SuspensionWindow: 15 * 24 * time.Hour,
		BatchSize:        500,
	}
}

// Sweeper переводит подписки по времени: просрочка оплаты и конец окна плана
type Sweeper struct {
	subs         SubscriptionLister
	transitioner Transitioner
	opts         SweeperOptions
	observer     Observer
	now          func() time.Time
	log          *logger.Logger
}

// NewSweeper создает Sweeper. observer может быть nil.
func NewSweeper(subs SubscriptionLister, transitioner Transitioner, opts SweeperOptions, observer Observer, log *logger.Logger) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultSweeperOptions().BatchSize
	}
	return &Sweeper{
		subs:         subs,
		transitioner: transitioner,
		opts:         opts,
		observer:     observer,
		now:          time.Now,
		log:          log,
	}
}

// WithClock подменяет часы (для тестов)
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SuspendOverdue приостанавливает рекуррентные ACTIVE-подписки, не оплаченные
// за GracePeriod после nextBillingDate. Возвращает число переходов.
func (s *Sweeper) SuspendOverdue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.opts.GracePeriod)

	subs, err := s.subs.ListSubscriptions(ctx, repository.SubscriptionFilter{
		Statuses:          []domain.SubscriptionStatus{domain.SubscriptionStatusActive},
		Periods:           recurringPeriods,
		NextBillingBefore: &cutoff,
		Limit:             s.opts.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue subscriptions: %w", err)
	}
	return s.apply(ctx, JobSuspendOverdue, subs, domain.EventGracePeriodElapsed, now)
}

// ExpireElapsed закрывает подписки с истекшим окном: разовые ACTIVE после
// planEndDate и SUSPENDED после planEndDate + SuspensionWindow.
func (s *Sweeper) ExpireElapsed(ctx context.Context) (int, error) {
	now := s.now().UTC()

	// рекуррентные ACTIVE уходят через приостановку
	active, err := s.subs.ListSubscriptions(ctx, repository.SubscriptionFilter{
		Statuses:      []domain.SubscriptionStatus{domain.SubscriptionStatusActive},
		Periods:       []domain.BillingPeriod{domain.BillingPeriodOneTime},
		PlanEndBefore: &now,
		Limit:         s.opts.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list elapsed subscriptions: %w", err)
	}

	suspendedCutoff := now.Add(-s.opts.SuspensionWindow)
	suspended, err := s.subs.ListSubscriptions(ctx, repository.SubscriptionFilter{
		Statuses:      []domain.SubscriptionStatus{domain.SubscriptionStatusSuspended},
		PlanEndBefore: &suspendedCutoff,
		Limit:         s.opts.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed suspended subscriptions: %w", err)
	}

	return s.apply(ctx, JobExpireElapsed, append(active, suspended...), domain.EventPlanWindowElapsed, now)
}

func (s *Sweeper) apply(ctx context.Context, job string, subs []domain.Subscription, event domain.SubscriptionEvent, now time.Time) (int, error) {
	var (
		result  *multierror.Error
		applied int
		failed  int
	)
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		_, _, err := s.transitioner.Transition(ctx, sub.ID, subscription.Input{Event: event, At: now})
		switch {
		case err == nil:
			applied++
		case errors.Is(err, domain.ErrInvalidTransition):
			// подписку уже изменили между выборкой и переходом
			s.log.Debugw("Subscription changed before sweep", "job", job, "subscription_id", sub.ID)
		default:
			failed++
			result = multierror.Append(result, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}

	if s.observer != nil {
		s.observer.ObserveSweep(job, applied, failed)
	}
	if applied > 0 || failed > 0 {
		s.log.Infow("Sweep finished", "job", job, "candidates", len(subs), "applied", applied, "failed", failed)
	}
	return applied, result.ErrorOrNil()
}
