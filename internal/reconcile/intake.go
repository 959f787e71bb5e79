package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// ErrIntakeFull очередь вебхуков переполнена; шлюз повторит доставку
var ErrIntakeFull = errors.New("webhook intake queue is full")

// ErrIntakeStopped пул остановлен
var ErrIntakeStopped = errors.New("webhook intake is stopped")

// IntakeOptions размер пула обработки вебхуков
type IntakeOptions struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	ApplyTimeout   time.Duration
}

// DefaultIntakeOptions значения по умолчанию
func DefaultIntakeOptions() IntakeOptions {
	return IntakeOptions{Workers: 4, QueueSize: 256, EnqueueTimeout: 2 * time.Second, ApplyTimeout: 30 * time.Second}
}

type delivery struct {
	event domain.ConfirmationEvent
	name  string
}

// WebhookIntake отделяет обработку проверенного вебхука от HTTP-ответа:
// обработчик отвечает сразу, свертка идет в пуле воркеров.
type WebhookIntake struct {
	reducer *Reducer
	opts    IntakeOptions
	now     func() time.Time
	log     *logger.Logger

	mu      sync.RWMutex
	queue   chan delivery
	closed  bool
	wg      sync.WaitGroup
	started bool
}

// NewWebhookIntake создает пул; воркеры запускаются в Start
func NewWebhookIntake(reducer *Reducer, opts IntakeOptions, log *logger.Logger) *WebhookIntake {
	def := DefaultIntakeOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = def.EnqueueTimeout
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = def.ApplyTimeout
	}
	return &WebhookIntake{
		reducer: reducer,
		opts:    opts,
		now:     time.Now,
		log:     log.Named("webhook_intake"),
		queue:   make(chan delivery, opts.QueueSize),
	}
}

// Start запускает воркеров
func (w *WebhookIntake) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go w.work(i)
	}
	w.log.Infow("Webhook intake started", "workers", w.opts.Workers, "queue_size", w.opts.QueueSize)
}

// Submit ставит уведомление в очередь. Ждет не дольше EnqueueTimeout.
func (w *WebhookIntake) Submit(ctx context.Context, n gateway.Notification) error {
	d := delivery{event: NotificationEvent(n, w.now()), name: n.EventName}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrIntakeStopped
	}

	select {
	case w.queue <- d:
		return nil
	default:
	}

	timer := time.NewTimer(w.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case w.queue <- d:
		return nil
	case <-timer.C:
		w.log.Warnw("Webhook intake queue is full", "charge_id", n.ChargeID, "event", n.EventName)
		return ErrIntakeFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop закрывает очередь и ждет обработки уже принятых уведомлений
func (w *WebhookIntake) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("Webhook intake stopped")
}

func (w *WebhookIntake) work(id int) {
	defer w.wg.Done()
	for d := range w.queue {
		// запрос шлюза уже завершен, поэтому контекст свой
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.ApplyTimeout)
		res, err := w.reducer.Apply(ctx, d.event)
		cancel()
		if err != nil {
			w.log.Errorw("Failed to process webhook",
				"worker", id,
				"event", d.name,
				"charge_id", d.event.GatewayChargeID,
				"status", d.event.ReportedStatus,
				"error", err,
			)
			continue
		}
		w.log.Debugw("Webhook processed", "worker", id, "event", d.name, "charge_id", d.event.GatewayChargeID, "outcome", res.Outcome)
	}
}

// NotificationEvent переводит проверенное уведомление в ConfirmationEvent.
// externalReference несет id намерения, если шлюз его вернул.
func NotificationEvent(n gateway.Notification, receivedAt time.Time) domain.ConfirmationEvent {
	event := domain.ConfirmationEvent{
		Source:          domain.EventSourceWebhook,
		GatewayChargeID: n.ChargeID,
		ReportedStatus:  n.Status,
		ReceivedAt:      receivedAt,
		PayloadHash:     n.PayloadHash,
	}
	if id, err := uuid.Parse(n.ExternalReference); err == nil {
		event.PaymentIntentID = id
	}
	return event
}
