package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/idempotency"
	"github.com/Dhoini/checkout-engine/internal/reconcile"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/Dhoini/checkout-engine/pkg/req"
)

// errReservationReleased резервацию сняли, пока мы ждали; можно пробовать снова
var errReservationReleased = errors.New("idempotency reservation released")

// CheckoutInput запрос оформления подписки
type CheckoutInput struct {
	IdempotencyKey string                 `validate:"omitempty,max=128"`
	Customer       domain.CustomerProfile `validate:"required"`
	PlanID         string                 `validate:"required,max=64"`
	Period         domain.BillingPeriod   `validate:"omitempty,oneof=monthly yearly one_time"`
	Method         domain.BillingMethod   `validate:"required,oneof=PIX BOLETO CREDIT_CARD"`
	// CardToken уже выданный шлюзом токен; альтернатива Card
	CardToken string             `validate:"omitempty,max=256"`
	Card      *domain.CardFields `validate:"-"`
	RemoteIP  string             `validate:"omitempty,ip"`
}

// RenewInput оплата приостановленной подписки новым намерением
type RenewInput struct {
	IdempotencyKey string               `validate:"omitempty,max=128"`
	SubscriptionID uuid.UUID            `validate:"-"`
	Method         domain.BillingMethod `validate:"required,oneof=PIX BOLETO CREDIT_CARD"`
	CardToken      string               `validate:"omitempty,max=256"`
	Card           *domain.CardFields   `validate:"-"`
	RemoteIP       string               `validate:"omitempty,ip"`
}

// StatusView состояние оформления для клиентского опроса
type StatusView struct {
	PaymentIntentID    uuid.UUID                  `json:"paymentIntentId"`
	Status             domain.CheckoutStatus      `json:"status"`
	IntentStatus       domain.PaymentIntentStatus `json:"intentStatus"`
	Method             domain.BillingMethod       `json:"method"`
	SubscriptionID     uuid.UUID                  `json:"subscriptionId"`
	SubscriptionStatus domain.SubscriptionStatus  `json:"subscriptionStatus"`
	PixPayload         string                     `json:"pixPayload,omitempty"`
	BankSlipURL        string                     `json:"bankSlipUrl,omitempty"`
	ExpiresAt          *time.Time                 `json:"expiresAt,omitempty"`
	PlanEndDate        *time.Time                 `json:"planEndDate,omitempty"`
}

// Reconciler свертка подтверждений (reconcile.Reducer)
type Reconciler interface {
	Apply(ctx context.Context, event domain.ConfirmationEvent) (reconcile.Result, error)
}

// PollScheduler ставит незавершенное намерение на фоновый опрос
type PollScheduler interface {
	Schedule(intent domain.PaymentIntent)
}

// StatusProber опрашивает шлюз по запросу статуса
type StatusProber interface {
	Probe(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error)
}

// CheckoutObserver метрики оформления
type CheckoutObserver interface {
	ObserveCheckout(method domain.BillingMethod, status domain.CheckoutStatus, replayed bool, duration time.Duration)
	ObserveIdempotency(state idempotency.State)
}

// CheckoutOptions параметры оформления
type CheckoutOptions struct {
	// WaitTimeout сколько ждать завершения параллельного запроса с тем же ключом
	WaitTimeout time.Duration
	// Location календарный день для производного ключа
	Location *time.Location
	Poll     reconcile.PollerOptions
}

// DefaultCheckoutOptions значения по умолчанию
func DefaultCheckoutOptions() CheckoutOptions {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return CheckoutOptions{WaitTimeout: 10 * time.Second, Location: loc, Poll: reconcile.DefaultPollerOptions()}
}

// CheckoutService оркестратор оформления: идемпотентность, клиент и списание в шлюзе,
// запись PaymentIntent и PENDING-подписки, свертка синхронного ответа шлюза.
type CheckoutService struct {
	store    repository.Store
	plans    repository.PlanReader
	gw       gateway.Gateway
	idem     idempotency.Store
	reducer  Reconciler
	poller   PollScheduler
	prober   StatusProber
	opts     CheckoutOptions
	observer CheckoutObserver
	now      func() time.Time
	log      *logger.Logger
}

// NewCheckoutService создает оркестратор. poller, prober и observer могут быть nil.
func NewCheckoutService(
	store repository.Store,
	plans repository.PlanReader,
	gw gateway.Gateway,
	idem idempotency.Store,
	reducer Reconciler,
	poller PollScheduler,
	prober StatusProber,
	opts CheckoutOptions,
	observer CheckoutObserver,
	log *logger.Logger,
) *CheckoutService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	return &CheckoutService{
		store:    store,
		plans:    plans,
		gw:       gw,
		idem:     idem,
		reducer:  reducer,
		poller:   poller,
		prober:   prober,
		opts:     opts,
		observer: observer,
		now:      time.Now,
		log:      log,
	}
}

// WithClock подменяет часы (для тестов)
func (s *CheckoutService) WithClock(now func() time.Time) *CheckoutService {
	s.now = now
	return s
}

// Checkout оформляет подписку. Повтор с тем же ключом возвращает сохраненный
// результат без обращения к шлюзу (Replayed=true). Отказ и ожидание оплаты
// возвращаются как результат, ошибкой остаются только сбои инфраструктуры.
func (s *CheckoutService) Checkout(ctx context.Context, in CheckoutInput) (domain.CheckoutResult, error) {
	started := s.now()
	s.log.Debug("Checkout requested for plan: %s, method: %s", in.PlanID, in.Method)

	if err := validateInput(&in); err != nil {
		return domain.CheckoutResult{}, err
	}

	plan, err := s.plans.GetPlan(ctx, in.PlanID)
	if err != nil {
		s.log.Warnw("Checkout for unknown plan", "plan_id", in.PlanID, "error", err)
		return domain.CheckoutResult{}, err
	}
	price, err := plan.PriceFor(in.Period)
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	key := in.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey(in.Customer.TaxID, plan.ID, in.Method, price, started, s.opts.Location)
	}

	result, err := s.reserveAndRun(ctx, key, func() (domain.CheckoutResult, bool, error) {
		return s.run(ctx, key, in, plan, price, nil)
	})
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	if s.observer != nil {
		s.observer.ObserveCheckout(in.Method, result.Status, result.Replayed, s.now().Sub(started))
	}
	s.log.Infow("Checkout finished",
		"payment_intent_id", result.PaymentIntentID,
		"subscription_id", result.SubscriptionID,
		"method", in.Method,
		"status", result.Status,
		"replayed", result.Replayed,
	)
	return result, nil
}

// Renew оплачивает приостановленную подписку. Намерение создается на той же
// подписке; подтверждение возвращает ее в ACTIVE с новым окном плана.
// Повтор с тем же ключом ведет себя как в Checkout.
func (s *CheckoutService) Renew(ctx context.Context, in RenewInput) (domain.CheckoutResult, error) {
	started := s.now()
	if err := validateRenewal(in); err != nil {
		return domain.CheckoutResult{}, err
	}

	sub, err := s.store.GetSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return domain.CheckoutResult{}, err
	}
	customer, err := s.store.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return domain.CheckoutResult{}, err
	}
	plan, err := s.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		s.log.Warnw("Renewal for unavailable plan", "plan_id", sub.PlanID, "subscription_id", sub.ID, "error", err)
		return domain.CheckoutResult{}, err
	}
	price, err := plan.PriceFor(sub.Period)
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	key := in.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey(customer.TaxID, "renew:"+sub.ID.String(), in.Method, price, started, s.opts.Location)
	}

	checkout := CheckoutInput{
		IdempotencyKey: key,
		Customer:       customer.Profile(),
		PlanID:         plan.ID,
		Period:         sub.Period,
		Method:         in.Method,
		CardToken:      in.CardToken,
		Card:           in.Card,
		RemoteIP:       in.RemoteIP,
	}
	result, err := s.reserveAndRun(ctx, key, func() (domain.CheckoutResult, bool, error) {
		return s.run(ctx, key, checkout, plan, price, &sub)
	})
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	if s.observer != nil {
		s.observer.ObserveCheckout(in.Method, result.Status, result.Replayed, s.now().Sub(started))
	}
	s.log.Infow("Renewal finished",
		"payment_intent_id", result.PaymentIntentID,
		"subscription_id", sub.ID,
		"method", in.Method,
		"status", result.Status,
		"replayed", result.Replayed,
	)
	return result, nil
}

// reserveAndRun захватывает ключ и выполняет fn. Пока ключ занят другим запросом,
// ждет его результата; если резервацию сняли, пробует захватить снова.
func (s *CheckoutService) reserveAndRun(ctx context.Context, key string, fn func() (domain.CheckoutResult, bool, error)) (domain.CheckoutResult, error) {
	for attempt := 0; attempt < 3; attempt++ {
		r, err := s.idem.Reserve(ctx, key)
		if err != nil {
			return domain.CheckoutResult{}, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		s.observeIdempotency(r.State)

		switch r.State {
		case idempotency.StateCompleted:
			return replay(r.Result), nil

		case idempotency.StateInFlight:
			result, err := s.awaitCompletion(ctx, key)
			if errors.Is(err, errReservationReleased) {
				continue
			}
			return result, err
		}

		result, transient, err := fn()
		if err != nil || transient {
			// ключ освобождается, чтобы клиент мог повторить запрос
			if relErr := s.idem.Release(ctx, key); relErr != nil {
				s.log.Warnw("Failed to release idempotency key", "error", relErr)
			}
			return result, err
		}
		if err := s.idem.Complete(ctx, key, result); err != nil {
			// результат уже в хранилище; повтор восстановит его по ключу
			s.log.Errorw("Failed to complete idempotency key", "payment_intent_id", result.PaymentIntentID, "error", err)
		}
		return result, nil
	}
	return domain.CheckoutResult{}, domain.ErrRequestInFlight
}

func (s *CheckoutService) awaitCompletion(ctx context.Context, key string) (domain.CheckoutResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.opts.WaitTimeout

	var result *domain.CheckoutResult
	op := func() error {
		r, err := s.idem.Lookup(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch r.State {
		case idempotency.StateCompleted:
			result = r.Result
			return nil
		case idempotency.StateNew:
			return backoff.Permanent(errReservationReleased)
		}
		return domain.ErrRequestInFlight
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, domain.ErrRequestInFlight) {
			s.log.Warnw("Gave up waiting for in-flight checkout", "wait_timeout", s.opts.WaitTimeout)
		}
		return domain.CheckoutResult{}, err
	}
	return replay(result), nil
}

// run выполняет оформление для захваченного ключа. transient=true значит, что
// шлюз временно недоступен и результат нельзя сохранять под ключом.
// renewal задан при оплате существующей подписки.
func (s *CheckoutService) run(ctx context.Context, key string, in CheckoutInput, plan domain.Plan, price int64, renewal *domain.Subscription) (domain.CheckoutResult, bool, error) {
	// намерение с этим ключом уже есть: прошлый запрос упал между шлюзом и ответом
	intent, err := s.store.GetPaymentIntentByKey(ctx, key)
	switch {
	case err == nil:
		s.log.Infow("Resuming checkout for existing payment intent", "payment_intent_id", intent.ID, "status", intent.Status)
		return s.resume(ctx, in, intent)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.CheckoutResult{}, false, err
	}

	var customer domain.Customer
	if renewal == nil {
		customer, err = s.ensureCustomer(ctx, in.Customer)
	} else {
		customer, err = s.store.GetCustomer(ctx, renewal.CustomerID)
	}
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}

	intent, err = s.createIntent(ctx, key, customer, in, plan, price, renewal)
	if errors.Is(err, domain.ErrDuplicate) {
		existing, getErr := s.store.GetPaymentIntentByKey(ctx, key)
		if getErr != nil {
			return domain.CheckoutResult{}, false, getErr
		}
		return s.resume(ctx, in, existing)
	}
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}

	if !customer.HasGatewayCustomer() {
		if customer, err = s.ensureCustomer(ctx, in.Customer); err != nil {
			return s.gatewayFailure(ctx, intent, "find_or_create_customer", err)
		}
	}
	return s.charge(ctx, in, customer, intent, plan)
}

func (s *CheckoutService) resume(ctx context.Context, in CheckoutInput, intent domain.PaymentIntent) (domain.CheckoutResult, bool, error) {
	if intent.Status.Terminal() {
		return resultFor(intent, ""), false, nil
	}
	if intent.HasCharge() {
		if intent.Status == domain.PaymentIntentCreated {
			// списание привязано, но синхронный ответ шлюза не свернут
			status, err := s.gw.FetchChargeStatus(ctx, *intent.GatewayChargeID)
			if err != nil {
				s.log.Warnw("Failed to refresh charge status on resume", "payment_intent_id", intent.ID, "error", err)
				s.schedule(intent)
				return resultFor(intent, ""), false, nil
			}
			intent, err = s.fold(ctx, intent, *intent.GatewayChargeID, status)
			if err != nil {
				return domain.CheckoutResult{}, false, err
			}
		}
		s.schedule(intent)
		return resultFor(intent, ""), false, nil
	}

	if !s.now().Before(s.opts.Poll.Deadline(intent)) {
		// брошенное намерение повторно не списываем
		folded, err := s.fold(ctx, intent, "", domain.GatewayStatusExpired)
		if err != nil {
			return domain.CheckoutResult{}, false, err
		}
		return resultFor(folded, ""), false, nil
	}

	customer, err := s.store.GetCustomer(ctx, intent.CustomerID)
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}
	if !customer.HasGatewayCustomer() {
		customer, err = s.ensureCustomer(ctx, in.Customer)
		if err != nil {
			return domain.CheckoutResult{}, false, err
		}
	}
	plan, err := s.plans.GetPlan(ctx, intent.PlanID)
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}
	return s.charge(ctx, in, customer, intent, plan)
}

// ensureCustomer находит клиента по CPF/CNPJ или создает его, затем связывает со шлюзом
func (s *CheckoutService) ensureCustomer(ctx context.Context, profile domain.CustomerProfile) (domain.Customer, error) {
	taxID := domain.NormalizeTaxID(profile.TaxID)

	var customer domain.Customer
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		customer, err = tx.GetCustomerByTaxID(ctx, taxID)
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		now := s.now().UTC()
		customer = domain.Customer{
			ID:        uuid.New(),
			TaxID:     taxID,
			Name:      profile.Name,
			Email:     profile.Email,
			Phone:     profile.Phone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.CreateCustomer(ctx, customer)
	})
	if errors.Is(err, domain.ErrDuplicate) {
		// параллельный запрос с другим ключом создал того же клиента
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var getErr error
			customer, getErr = tx.GetCustomerByTaxID(ctx, taxID)
			return getErr
		})
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("failed to load customer: %w", err)
	}

	if customer.HasGatewayCustomer() {
		return customer, nil
	}

	ref, err := s.gw.FindOrCreateCustomer(ctx, taxID, profile)
	if err != nil {
		return domain.Customer{}, err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.SetGatewayCustomerID(ctx, customer.ID, ref.ID)
	})
	if err != nil {
		return domain.Customer{}, fmt.Errorf("failed to link gateway customer: %w", err)
	}
	customer.GatewayCustomerID = &ref.ID
	return customer, nil
}

// createIntent записывает намерение и новую PENDING-подписку, а при продлении
// привязывает намерение к приостановленной подписке
func (s *CheckoutService) createIntent(ctx context.Context, key string, customer domain.Customer, in CheckoutInput, plan domain.Plan, price int64, renewal *domain.Subscription) (domain.PaymentIntent, error) {
	now := s.now().UTC()
	currency := plan.Currency
	if currency == "" {
		currency = "BRL"
	}

	intent := domain.PaymentIntent{
		ID:             uuid.New(),
		IdempotencyKey: key,
		CustomerID:     customer.ID,
		PlanID:         plan.ID,
		Period:         in.Period,
		Method:         in.Method,
		AmountCents:    price,
		Currency:       currency,
		Status:         domain.PaymentIntentCreated,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sub := domain.Subscription{
		ID:                  uuid.New(),
		CustomerID:          customer.ID,
		PlanID:              plan.ID,
		Period:              in.Period,
		Status:              domain.SubscriptionStatusPending,
		Version:             1,
		LastPaymentIntentID: intent.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if renewal != nil {
		sub = *renewal
	}
	intent.SubscriptionID = sub.ID

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if renewal == nil {
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			return tx.CreatePaymentIntent(ctx, intent)
		}

		cur, err := tx.GetSubscription(ctx, renewal.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.SubscriptionStatusSuspended {
			return &domain.TransitionError{SubscriptionID: cur.ID.String(), From: cur.Status, Event: domain.EventPaymentConfirmed}
		}
		if err := tx.CreatePaymentIntent(ctx, intent); err != nil {
			return err
		}
		cur.LastPaymentIntentID = intent.ID
		return tx.UpdateSubscription(ctx, cur)
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	s.log.Infow("Payment intent created",
		"payment_intent_id", intent.ID,
		"subscription_id", sub.ID,
		"plan_id", plan.ID,
		"method", in.Method,
		"amount_cents", price,
		"renewal", renewal != nil,
	)
	return intent, nil
}

// charge вызывает шлюз и сворачивает его синхронный ответ
func (s *CheckoutService) charge(ctx context.Context, in CheckoutInput, customer domain.Customer, intent domain.PaymentIntent, plan domain.Plan) (domain.CheckoutResult, bool, error) {
	ref := gateway.CustomerRef{ID: *customer.GatewayCustomerID}

	token := in.CardToken
	if intent.Method == domain.BillingMethodCreditCard && token == "" && in.Card != nil {
		tok, err := s.gw.TokenizeCard(ctx, ref, *in.Card, in.Customer, in.RemoteIP)
		if err != nil {
			return s.gatewayFailure(ctx, intent, "tokenize_card", err)
		}
		token = tok.Token
	}

	ch, err := s.gw.CreateCharge(ctx, gateway.ChargeRequest{
		IntentID:    intent.ID,
		Customer:    ref,
		Method:      intent.Method,
		AmountCents: intent.AmountCents,
		Period:      intent.Period,
		Description: fmt.Sprintf("%s (%s)", plan.Name, intent.Period),
		CardToken:   token,
		RemoteIP:    in.RemoteIP,
	})
	if err != nil {
		return s.gatewayFailure(ctx, intent, "create_charge", err)
	}

	intent, err = s.attachCharge(ctx, intent, ch)
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}

	if _, known := ch.Status.IntentStatus(); known {
		intent, err = s.fold(ctx, intent, ch.ID, ch.Status)
		if err != nil {
			return domain.CheckoutResult{}, false, err
		}
	}
	s.schedule(intent)
	return resultFor(intent, ""), false, nil
}

func (s *CheckoutService) attachCharge(ctx context.Context, intent domain.PaymentIntent, ch gateway.Charge) (domain.PaymentIntent, error) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.GetPaymentIntent(ctx, intent.ID)
		if err != nil {
			return err
		}
		chargeID := ch.ID
		cur.GatewayChargeID = &chargeID
		cur.PixPayload = ch.PixPayload
		cur.BankSlipURL = ch.BankSlipURL
		if cur.Method.Deferred() {
			cur.ExpiresAt = cur.CreatedAt.Add(s.opts.Poll.Ceiling(cur.Method))
		}
		if err := tx.UpdatePaymentIntent(ctx, cur); err != nil {
			return err
		}
		cur.Version++
		intent = cur
		return nil
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("failed to record gateway charge %s: %w", ch.ID, err)
	}
	return intent, nil
}

// gatewayFailure: отказ сворачивается в намерение, временная ошибка дает pending без сохранения ключа.
// Намерение без списания уходит на опрос, который закроет его по пределу, если клиент не повторит запрос.
func (s *CheckoutService) gatewayFailure(ctx context.Context, intent domain.PaymentIntent, op string, err error) (domain.CheckoutResult, bool, error) {
	switch {
	case errors.Is(err, domain.ErrGatewayRejected):
		reason := "payment_rejected"
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) && gwErr.Code != "" {
			reason = gwErr.Code
		}
		s.log.Infow("Gateway rejected checkout", "payment_intent_id", intent.ID, "operation", op, "reason", reason)
		folded, foldErr := s.fold(ctx, intent, "", domain.GatewayStatusRejected)
		if foldErr != nil {
			return domain.CheckoutResult{}, false, foldErr
		}
		return resultFor(folded, reason), false, nil

	case errors.Is(err, domain.ErrGatewayTransient):
		s.log.Warnw("Gateway unavailable, checkout left pending", "payment_intent_id", intent.ID, "operation", op, "error", err)
		s.schedule(intent)
		return domain.CheckoutResult{
			Status:          domain.CheckoutStatusPending,
			PaymentIntentID: intent.ID,
			SubscriptionID:  intent.SubscriptionID,
			Reason:          "gateway_unavailable",
		}, true, nil
	}
	s.log.Errorw("Gateway call failed", "payment_intent_id", intent.ID, "operation", op, "error", err)
	s.schedule(intent)
	return domain.CheckoutResult{}, false, err
}

// fold сворачивает синхронный ответ шлюза тем же путем, что вебхук и опрос
func (s *CheckoutService) fold(ctx context.Context, intent domain.PaymentIntent, chargeID string, status domain.GatewayStatus) (domain.PaymentIntent, error) {
	res, err := s.reducer.Apply(ctx, domain.ConfirmationEvent{
		Source:          domain.EventSourceCheckout,
		GatewayChargeID: chargeID,
		PaymentIntentID: intent.ID,
		ReportedStatus:  status,
		ReceivedAt:      s.now(),
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("failed to apply checkout outcome: %w", err)
	}
	return res.Intent, nil
}

func (s *CheckoutService) schedule(intent domain.PaymentIntent) {
	if s.poller == nil || intent.Status.Terminal() {
		return
	}
	if intent.Method.Deferred() || !intent.HasCharge() {
		s.poller.Schedule(intent)
	}
}

func (s *CheckoutService) observeIdempotency(state idempotency.State) {
	if s.observer != nil {
		s.observer.ObserveIdempotency(state)
	}
}

// Status возвращает состояние оформления; незавершенное намерение при
// необходимости опрашивается в шлюзе
func (s *CheckoutService) Status(ctx context.Context, paymentIntentID uuid.UUID) (StatusView, error) {
	intent, err := s.store.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return StatusView{}, err
	}

	if s.prober != nil {
		probed, err := s.prober.Probe(ctx, intent)
		if err != nil {
			// клиент получит последнее известное состояние
			s.log.Warnw("Status probe failed", "payment_intent_id", intent.ID, "error", err)
		} else {
			intent = probed
		}
	}

	sub, err := s.store.GetSubscription(ctx, intent.SubscriptionID)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{
		PaymentIntentID:    intent.ID,
		Status:             resultFor(intent, "").Status,
		IntentStatus:       intent.Status,
		Method:             intent.Method,
		SubscriptionID:     sub.ID,
		SubscriptionStatus: sub.Status,
		PlanEndDate:        sub.PlanEndDate,
	}
	if !intent.Status.Terminal() {
		view.PixPayload = intent.PixPayload
		view.BankSlipURL = intent.BankSlipURL
	}
	if !intent.ExpiresAt.IsZero() {
		expires := intent.ExpiresAt
		view.ExpiresAt = &expires
	}
	return view, nil
}

func resultFor(intent domain.PaymentIntent, reason string) domain.CheckoutResult {
	result := domain.CheckoutResult{
		PaymentIntentID: intent.ID,
		SubscriptionID:  intent.SubscriptionID,
		Reason:          reason,
	}
	switch intent.Status {
	case domain.PaymentIntentConfirmed:
		result.Status = domain.CheckoutStatusConfirmed
	case domain.PaymentIntentGatewayRejected, domain.PaymentIntentExpired:
		result.Status = domain.CheckoutStatusRejected
		if result.Reason == "" {
			result.Reason = "payment_" + string(intent.Status)
		}
	default:
		result.Status = domain.CheckoutStatusPending
		result.PixPayload = intent.PixPayload
		result.BankSlipURL = intent.BankSlipURL
	}
	return result
}

func replay(r *domain.CheckoutResult) domain.CheckoutResult {
	if r == nil {
		return domain.CheckoutResult{Replayed: true}
	}
	out := *r
	out.Replayed = true
	return out
}

// validateInput проверяет запрос и нормализует период
func validateInput(in *CheckoutInput) error {
	var verrs domain.ValidationErrors
	if err := req.Validator().Struct(in); err != nil {
		for _, fe := range req.FieldErrors(err) {
			verrs.Add(fe.Field, fe.Rule)
		}
	}

	if taxID := domain.NormalizeTaxID(in.Customer.TaxID); len(taxID) != 11 && len(taxID) != 14 {
		verrs.Add("CheckoutInput.Customer.TaxID", "cpf_cnpj")
	}

	validatePayment("CheckoutInput", in.Method, in.CardToken, in.Card, &verrs)

	if verrs.HasErrors() {
		return verrs
	}
	if in.Period == "" {
		in.Period = domain.BillingPeriodMonthly
	}
	return nil
}

func validateRenewal(in RenewInput) error {
	var verrs domain.ValidationErrors
	if err := req.Validator().Struct(in); err != nil {
		for _, fe := range req.FieldErrors(err) {
			verrs.Add(fe.Field, fe.Rule)
		}
	}
	if in.SubscriptionID == uuid.Nil {
		verrs.Add("RenewInput.SubscriptionID", "required")
	}
	validatePayment("RenewInput", in.Method, in.CardToken, in.Card, &verrs)

	if verrs.HasErrors() {
		return verrs
	}
	return nil
}

// validatePayment согласованность способа оплаты и данных карты
func validatePayment(prefix string, method domain.BillingMethod, token string, card *domain.CardFields, verrs *domain.ValidationErrors) {
	switch {
	case method == domain.BillingMethodCreditCard && token == "" && card == nil:
		verrs.Add(prefix+".CardToken", "required_for_card")
	case method != domain.BillingMethodCreditCard && (token != "" || card != nil):
		verrs.Add(prefix+".Card", "card_only")
	}
	if card != nil {
		validateCard(prefix+".Card", *card, verrs)
	}
}

func validateCard(prefix string, card domain.CardFields, verrs *domain.ValidationErrors) {
	if l := len(card.Number); l < 13 || l > 19 || !allDigits(card.Number) {
		verrs.Add(prefix+".Number", "card_number")
	}
	if l := len(card.CVV); l < 3 || l > 4 || !allDigits(card.CVV) {
		verrs.Add(prefix+".CVV", "cvv")
	}
	if card.HolderName == "" {
		verrs.Add(prefix+".HolderName", "required")
	}
	if card.ExpiryMonth == "" || card.ExpiryYear == "" {
		verrs.Add(prefix+".Expiry", "required")
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
