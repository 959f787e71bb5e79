package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Publisher доставляет строку outbox во внешнюю систему. Доставка at-least-once:
// получатели дедуплицируют по ID сообщения.
type Publisher interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
	Close() error
}

// Observer метрики доставки
type Observer interface {
	ObserveOutboxDelivery(kind domain.OutboxKind, outcome string)
}

// WorkerOptions параметры воркера
type WorkerOptions struct {
	BatchSize    int
	PollInterval time.Duration
	// Lease на сколько строка скрывается от других воркеров после захвата
	Lease       time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultWorkerOptions значения по умолчанию
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		BatchSize:    50,
		PollInterval: time.Second,
		Lease:        30 * time.Second,
		MaxAttempts:  10,
		BaseDelay:    2 * time.Second,
		MaxDelay:     10 * time.Minute,
	}
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	def := DefaultWorkerOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.Lease <= 0 {
		o.Lease = def.Lease
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	return o
}

// Worker вычитывает готовые строки outbox и публикует их
type Worker struct {
	store    repository.Store
	pub      Publisher
	opts     WorkerOptions
	observer Observer
	now      func() time.Time
	log      *logger.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker создает воркер outbox
func NewWorker(store repository.Store, pub Publisher, opts WorkerOptions, observer Observer, log *logger.Logger) *Worker {
	return &Worker{
		store:    store,
		pub:      pub,
		opts:     opts.withDefaults(),
		observer: observer,
		now:      time.Now,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithClock подменяет часы (для тестов)
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Start запускает цикл опроса в отдельной горутине
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.log.Infow("Outbox worker started", "batch_size", w.opts.BatchSize, "interval", w.opts.PollInterval)
	for {
		for {
			n, err := w.DrainOnce(ctx)
			if err != nil {
				w.log.Errorw("Outbox drain failed", "error", err)
				break
			}
			// полная пачка: вероятно, есть еще
			if n < w.opts.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.log.Infow("Outbox worker stopped", "reason", ctx.Err())
			return
		case <-w.stop:
			w.log.Infow("Outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stop останавливает воркер и ждет завершения текущей пачки
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// DrainOnce захватывает одну пачку и обрабатывает ее. Возвращает число захваченных строк.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	now := w.now()
	msgs, err := w.store.ClaimOutbox(ctx, now, w.opts.BatchSize, w.opts.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox: %w", err)
	}

	var result *multierror.Error
	for _, msg := range msgs {
		if err := w.deliver(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return len(msgs), result.ErrorOrNil()
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	pubErr := w.pub.Publish(ctx, msg)
	if pubErr == nil {
		if err := w.store.MarkOutboxDelivered(ctx, msg.ID, w.now()); err != nil {
			// строка уйдет повторно после lease; получатель дедуплицирует по id
			return fmt.Errorf("failed to mark outbox %s delivered: %w", msg.ID, err)
		}
		w.observe(msg.Kind, "delivered")
		w.log.Debugw("Outbox message delivered", "id", msg.ID, "kind", msg.Kind, "transition_key", msg.TransitionKey)
		return nil
	}

	attempts := msg.Attempts + 1
	failed := attempts >= w.opts.MaxAttempts
	next := w.now().Add(w.retryDelay(attempts))
	if err := w.store.MarkOutboxRetry(ctx, msg.ID, attempts, next, pubErr.Error(), failed); err != nil {
		return fmt.Errorf("failed to reschedule outbox %s: %w", msg.ID, err)
	}

	if failed {
		w.observe(msg.Kind, "failed")
		w.log.Errorw("Outbox message moved to dead letters",
			"id", msg.ID,
			"kind", msg.Kind,
			"attempts", attempts,
			"error", pubErr,
		)
		return nil
	}
	w.observe(msg.Kind, "retry")
	w.log.Warnw("Outbox publish failed, will retry",
		"id", msg.ID,
		"kind", msg.Kind,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", pubErr,
	)
	return nil
}

// retryDelay экспоненциальная задержка BaseDelay*2^(attempts-1), не больше MaxDelay
func (w *Worker) retryDelay(attempts int) time.Duration {
	d := w.opts.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.opts.MaxDelay {
			return w.opts.MaxDelay
		}
	}
	return d
}

func (w *Worker) observe(kind domain.OutboxKind, outcome string) {
	if w.observer != nil {
		w.observer.ObserveOutboxDelivery(kind, outcome)
	}
}
