package reconcile

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Prober опрашивает шлюз по запросу клиента (эндпоинт статуса).
// Параллельные запросы по одному намерению сводятся в один вызов шлюза.
type Prober struct {
	reducer  *Reducer
	gw       StatusFetcher
	store    repository.Store
	interval time.Duration
	opts     PollerOptions
	group    singleflight.Group
	now      func() time.Time
	log      *logger.Logger
}

// NewProber создает пробник; interval минимальная пауза между опросами одного намерения
func NewProber(reducer *Reducer, gw StatusFetcher, store repository.Store, opts PollerOptions, log *logger.Logger) *Prober {
	return &Prober{
		reducer:  reducer,
		gw:       gw,
		store:    store,
		interval: opts.FastInterval,
		opts:     opts,
		now:      time.Now,
		log:      log.Named("prober"),
	}
}

// WithClock подменяет часы (для тестов)
func (p *Prober) WithClock(now func() time.Time) *Prober {
	p.now = now
	return p
}

// Probe возвращает актуальное состояние намерения. Шлюз вызывается, только если
// намерение не терминально и последний опрос старше интервала. Намерение без
// списания истекает по пределу без обращения к шлюзу.
func (p *Prober) Probe(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	now := p.now()
	switch {
	case intent.Status.Terminal():
		return intent, nil
	case !intent.HasCharge():
		if now.Before(p.opts.Deadline(intent)) {
			return intent, nil
		}
	case !intent.ProbeDue(now, p.interval):
		return intent, nil
	}

	v, err, shared := p.group.Do(intent.ID.String(), func() (interface{}, error) {
		return p.probe(ctx, intent)
	})
	if err != nil {
		return intent, err
	}
	if shared {
		p.log.Debugw("Probe shared with concurrent request", "payment_intent_id", intent.ID)
	}
	return v.(domain.PaymentIntent), nil
}

func (p *Prober) probe(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	now := p.now()
	chargeID := derefCharge(intent)

	status := domain.GatewayStatusExpired
	if now.Before(p.opts.Deadline(intent)) {
		var err error
		status, err = p.gw.FetchChargeStatus(ctx, chargeID)
		if touchErr := p.store.TouchProbe(ctx, intent.ID, now); touchErr != nil {
			p.log.Warnw("Failed to record probe time", "payment_intent_id", intent.ID, "error", touchErr)
		}
		if err != nil {
			p.log.Warnw("Status probe failed", "payment_intent_id", intent.ID, "charge_id", chargeID, "error", err)
			return intent, err
		}
	}

	if _, known := status.IntentStatus(); !known || status == domain.GatewayStatusAccepted {
		return p.store.GetPaymentIntent(ctx, intent.ID)
	}

	res, err := p.reducer.Apply(ctx, domain.ConfirmationEvent{
		Source:          domain.EventSourcePoll,
		GatewayChargeID: chargeID,
		PaymentIntentID: intent.ID,
		ReportedStatus:  status,
		ReceivedAt:      now,
	})
	if err != nil {
		return intent, err
	}
	return res.Intent, nil
}
