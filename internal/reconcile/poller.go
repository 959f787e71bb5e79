package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// StatusFetcher часть шлюза, нужная опросу
type StatusFetcher interface {
	FetchChargeStatus(ctx context.Context, chargeID string) (domain.GatewayStatus, error)
}

// PollerOptions расписание опроса
type PollerOptions struct {
	FastInterval  time.Duration
	FastWindow    time.Duration
	SlowInterval  time.Duration
	PixCeiling    time.Duration
	BoletoCeiling time.Duration
	// AbandonAfter сколько ждать намерение, для которого шлюз так и не выдал списание
	AbandonAfter time.Duration
	// ResumeLimit сколько незавершенных намерений поднимать при старте
	ResumeLimit int
}

// DefaultPollerOptions 5s первые две минуты, затем 60s; PIX живет 30m, boleto 72h,
// намерение без списания 1h
func DefaultPollerOptions() PollerOptions {
	return PollerOptions{
		FastInterval:  5 * time.Second,
		FastWindow:    2 * time.Minute,
		SlowInterval:  60 * time.Second,
		PixCeiling:    30 * time.Minute,
		BoletoCeiling: 72 * time.Hour,
		AbandonAfter:  time.Hour,
		ResumeLimit:   1000,
	}
}

// Ceiling предел опроса для способа оплаты
func (o PollerOptions) Ceiling(method domain.BillingMethod) time.Duration {
	if method == domain.BillingMethodBoleto {
		return o.BoletoCeiling
	}
	return o.PixCeiling
}

// Deadline момент, после которого незавершенное намерение считается истекшим
func (o PollerOptions) Deadline(intent domain.PaymentIntent) time.Time {
	if !intent.HasCharge() {
		return intent.CreatedAt.Add(o.AbandonAfter)
	}
	if !intent.ExpiresAt.IsZero() {
		return intent.ExpiresAt
	}
	return intent.CreatedAt.Add(o.Ceiling(intent.Method))
}

// Interval пауза перед следующим опросом, если с создания прошло elapsed
func (o PollerOptions) Interval(elapsed time.Duration) time.Duration {
	if elapsed < o.FastWindow {
		return o.FastInterval
	}
	return o.SlowInterval
}

// Poller держит по одной фоновой задаче на незавершенное намерение PIX/boleto
// и на любое намерение, оставшееся без списания после сбоя шлюза.
// Задача завершается на терминальном статусе, на пределе или по Cancel.
type Poller struct {
	reducer *Reducer
	gw      StatusFetcher
	store   repository.Store
	opts    PollerOptions
	now     func() time.Time
	log     *logger.Logger

	mu      sync.Mutex
	tasks   map[uuid.UUID]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewPoller создает планировщик опроса
func NewPoller(reducer *Reducer, gw StatusFetcher, store repository.Store, opts PollerOptions, log *logger.Logger) *Poller {
	p := &Poller{
		reducer: reducer,
		gw:      gw,
		store:   store,
		opts:    opts,
		now:     time.Now,
		log:     log.Named("poller"),
		tasks:   make(map[uuid.UUID]context.CancelFunc),
	}
	// любое примененное терминальное событие снимает задачу
	reducer.OnApplied(func(res Result) {
		if res.Intent.Status.Terminal() {
			p.Cancel(res.Intent.ID)
		}
	})
	return p
}

// Schedule ставит намерение на опрос. Терминальные намерения и карты со
// списанием не опрашиваются; повторный Schedule ничего не делает.
func (p *Poller) Schedule(intent domain.PaymentIntent) {
	if intent.Status.Terminal() || (intent.HasCharge() && !intent.Method.Deferred()) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.tasks[intent.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.tasks[intent.ID] = cancel
	p.wg.Add(1)
	go p.run(ctx, intent)

	p.log.Debugw("Polling scheduled", "payment_intent_id", intent.ID, "method", intent.Method, "deadline", p.opts.Deadline(intent))
}

// Cancel снимает задачу опроса
func (p *Poller) Cancel(intentID uuid.UUID) {
	p.mu.Lock()
	cancel, ok := p.tasks[intentID]
	delete(p.tasks, intentID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active число активных задач
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Resume поднимает опрос для незавершенных намерений после рестарта
func (p *Poller) Resume(ctx context.Context) error {
	intents, err := p.store.ListOpenPaymentIntents(ctx, p.opts.ResumeLimit)
	if err != nil {
		return err
	}
	for _, intent := range intents {
		p.Schedule(intent)
	}
	p.log.Infow("Polling resumed", "intents", len(intents))
	return nil
}

// Stop отменяет все задачи и ждет их завершения
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	for id, cancel := range p.tasks {
		cancel()
		delete(p.tasks, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.log.Info("Poller stopped")
}

func (p *Poller) run(ctx context.Context, intent domain.PaymentIntent) {
	defer p.wg.Done()
	defer p.forget(ctx, intent.ID)

	for {
		// списание могло появиться с прошлого тика, предел пересчитывается
		deadline := p.opts.Deadline(intent)
		now := p.now()
		wait := p.opts.Interval(now.Sub(intent.CreatedAt))
		if until := deadline.Sub(now); until < wait {
			wait = until
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, done, err := p.tick(ctx, intent)
		intent = next
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.log.Warnw("Polling tick failed", "payment_intent_id", intent.ID, "error", err)
		}
		if done {
			return
		}
	}
}

// tick один опрос. Возвращает свежее намерение и true, когда опрашивать больше не нужно.
func (p *Poller) tick(ctx context.Context, prev domain.PaymentIntent) (domain.PaymentIntent, bool, error) {
	intent, err := p.store.GetPaymentIntent(ctx, prev.ID)
	if err != nil {
		return prev, errors.Is(err, domain.ErrNotFound), err
	}
	if intent.Status.Terminal() {
		return intent, true, nil
	}
	if intent.HasCharge() && !intent.Method.Deferred() {
		// повтор оформления выдал списание по карте, его ответ свернут синхронно
		return intent, true, nil
	}

	now := p.now()
	if !now.Before(p.opts.Deadline(intent)) {
		res, err := p.reducer.Apply(ctx, domain.ConfirmationEvent{
			Source:          domain.EventSourcePoll,
			GatewayChargeID: derefCharge(intent),
			PaymentIntentID: intent.ID,
			ReportedStatus:  domain.GatewayStatusExpired,
			ReceivedAt:      now,
		})
		if err != nil {
			return intent, false, err
		}
		p.log.Infow("Polling ceiling reached",
			"payment_intent_id", intent.ID,
			"charge_ref", intent.ChargeRef(),
			"outcome", res.Outcome,
		)
		return res.Intent, true, nil
	}
	if !intent.HasCharge() {
		// шлюз ничего не выдал: ждем повтора клиента или предела
		return intent, false, nil
	}

	status, err := p.gw.FetchChargeStatus(ctx, derefCharge(intent))
	if touchErr := p.store.TouchProbe(ctx, intent.ID, now); touchErr != nil {
		p.log.Warnw("Failed to record probe time", "payment_intent_id", intent.ID, "error", touchErr)
	}
	if err != nil {
		return intent, false, err
	}
	if status == domain.GatewayStatusUnknown || status == domain.GatewayStatusAccepted || status == domain.GatewayStatusCreated {
		return intent, false, nil
	}

	res, err := p.reducer.Apply(ctx, domain.ConfirmationEvent{
		Source:          domain.EventSourcePoll,
		GatewayChargeID: derefCharge(intent),
		PaymentIntentID: intent.ID,
		ReportedStatus:  status,
		ReceivedAt:      now,
	})
	if err != nil {
		return intent, false, err
	}
	return res.Intent, res.Intent.Status.Terminal(), nil
}

func (p *Poller) forget(ctx context.Context, intentID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Cancel уже мог удалить запись и Schedule поставить новую
	if cancel, ok := p.tasks[intentID]; ok && ctx.Err() == nil {
		cancel()
		delete(p.tasks, intentID)
	}
}

func derefCharge(intent domain.PaymentIntent) string {
	if intent.GatewayChargeID == nil {
		return ""
	}
	return *intent.GatewayChargeID
}
