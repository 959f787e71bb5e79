package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy ограниченный экспоненциальный повтор
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy 3 попытки с базой 500ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Budget верхняя оценка суммарных пауз между попытками
func (p RetryPolicy) Budget() time.Duration {
	var total time.Duration
	delay := p.BaseDelay
	for i := 1; i < p.Attempts; i++ {
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		// с учетом RandomizationFactor 0.5
		total += delay + delay/2
		delay *= 2
	}
	return total
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	if p.MaxDelay > 0 {
		bo.MaxInterval = p.MaxDelay
	}
	bo.MaxElapsedTime = 0 // ограничиваем числом попыток
	bo.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// CallObserver получает длительность и исход каждого вызова шлюза
type CallObserver interface {
	ObserveGatewayCall(operation, outcome string, duration time.Duration)
}

// RetryingGateway декоратор Gateway: повторяет только временные ошибки
type RetryingGateway struct {
	next     Gateway
	policy   RetryPolicy
	log      *logger.Logger
	observer CallObserver
}

// WithRetry оборачивает шлюз политикой повторов; observer может быть nil
func WithRetry(next Gateway, policy RetryPolicy, log *logger.Logger, observer CallObserver) *RetryingGateway {
	return &RetryingGateway{
		next:     next,
		policy:   policy,
		log:      log,
		observer: observer,
	}
}

// retry выполняет op с повторами временных ошибок
func retry[T any](ctx context.Context, g *RetryingGateway, operation string, op func() (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)
	call := func() error {
		attempt++
		start := time.Now()
		res, err := op()
		g.observe(operation, err, time.Since(start))
		if err == nil {
			result = res
			return nil
		}
		if !IsRetryable(err) {
			// Ошибка неretryable, прекращаем попытки
			return backoff.Permanent(err)
		}
		g.log.Warnw("Transient gateway error, will retry",
			"operation", operation,
			"attempt", attempt,
			"error", err,
		)
		return err
	}

	if err := backoff.Retry(call, g.policy.newBackOff(ctx)); err != nil {
		if ctx.Err() != nil && !errors.Is(err, domain.ErrGatewayTransient) {
			gwErr := domain.NewGatewayError(operation, "canceled", "context done", 0, err)
			gwErr.Transient = true
			return result, gwErr
		}
		return result, err
	}
	return result, nil
}

func (g *RetryingGateway) observe(operation string, err error, d time.Duration) {
	if g.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrGatewayRejected):
		outcome = "rejected"
	case errors.Is(err, domain.ErrGatewayTransient):
		outcome = "transient"
	default:
		outcome = "error"
	}
	g.observer.ObserveGatewayCall(operation, outcome, d)
}

// IsRetryable true только для временных ошибок шлюза.
// Отказ, "повторный запрос" и ошибки конфигурации не повторяются.
func IsRetryable(err error) bool {
	if errors.Is(err, domain.ErrGatewayRejected) || errors.Is(err, domain.ErrDuplicateRequest) {
		return false
	}
	return errors.Is(err, domain.ErrGatewayTransient)
}

func (g *RetryingGateway) FindOrCreateCustomer(ctx context.Context, taxID string, profile domain.CustomerProfile) (CustomerRef, error) {
	return retry(ctx, g, "find_or_create_customer", func() (CustomerRef, error) {
		return g.next.FindOrCreateCustomer(ctx, taxID, profile)
	})
}

func (g *RetryingGateway) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	return retry(ctx, g, "create_charge", func() (Charge, error) {
		return g.next.CreateCharge(ctx, req)
	})
}

func (g *RetryingGateway) TokenizeCard(ctx context.Context, customer CustomerRef, card domain.CardFields, holder domain.CustomerProfile, remoteIP string) (CardToken, error) {
	return retry(ctx, g, "tokenize_card", func() (CardToken, error) {
		return g.next.TokenizeCard(ctx, customer, card, holder, remoteIP)
	})
}

func (g *RetryingGateway) FetchChargeStatus(ctx context.Context, chargeID string) (domain.GatewayStatus, error) {
	return retry(ctx, g, "fetch_charge_status", func() (domain.GatewayStatus, error) {
		return g.next.FetchChargeStatus(ctx, chargeID)
	})
}
