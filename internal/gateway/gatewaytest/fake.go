// Package gatewaytest содержит управляемый шлюз в памяти для тестов.
package gatewaytest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
)

// Fake шлюз в памяти. Списания ищутся по IntentID, как externalReference у настоящего шлюза.
type Fake struct {
	mu sync.Mutex

	customers map[string]string
	charges   map[string]*gateway.Charge
	byIntent  map[string]string
	seq       int

	// CardStatus статус, который получает карточное списание (по умолчанию CONFIRMED)
	CardStatus domain.GatewayStatus
	// ChargeErr, если задан, возвращается из CreateCharge
	ChargeErr error
	// FailChargeTimes сколько следующих вызовов CreateCharge вернут временную ошибку
	FailChargeTimes int
	// StatusErr, если задан, возвращается из FetchChargeStatus
	StatusErr error
	// ChargeDelay задержка внутри CreateCharge (для проверки гонок)
	ChargeDelay time.Duration

	CustomerCalls int
	ChargeCalls   int
	TokenizeCalls int
	StatusCalls   int
}

// New создает пустой шлюз
func New() *Fake {
	return &Fake{
		customers:  make(map[string]string),
		charges:    make(map[string]*gateway.Charge),
		byIntent:   make(map[string]string),
		CardStatus: domain.GatewayStatusConfirmed,
	}
}

func (f *Fake) FindOrCreateCustomer(_ context.Context, taxID string, _ domain.CustomerProfile) (gateway.CustomerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CustomerCalls++
	if id, ok := f.customers[taxID]; ok {
		return gateway.CustomerRef{ID: id}, nil
	}
	f.seq++
	id := fmt.Sprintf("cus_%06d", f.seq)
	f.customers[taxID] = id
	return gateway.CustomerRef{ID: id}, nil
}

func (f *Fake) CreateCharge(_ context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	f.mu.Lock()
	f.ChargeCalls++
	delay := f.ChargeDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailChargeTimes > 0 {
		f.FailChargeTimes--
		err := domain.NewGatewayError("create_charge", "unavailable", "service unavailable", http.StatusServiceUnavailable, nil)
		err.Transient = true
		return gateway.Charge{}, err
	}
	if f.ChargeErr != nil {
		return gateway.Charge{}, f.ChargeErr
	}
	if id, ok := f.byIntent[req.IntentID.String()]; ok {
		return *f.charges[id], nil
	}

	f.seq++
	charge := &gateway.Charge{
		ID:      fmt.Sprintf("pay_%06d", f.seq),
		Status:  domain.GatewayStatusAccepted,
		DueDate: req.DueDate,
	}
	switch req.Method {
	case domain.BillingMethodPix:
		charge.PixPayload = "00020101021226820014br.gov.bcb.pix" + charge.ID
	case domain.BillingMethodBoleto:
		charge.BankSlipURL = "https://gateway.test/b/" + charge.ID
	case domain.BillingMethodCreditCard:
		charge.Status = f.CardStatus
	}
	f.charges[charge.ID] = charge
	f.byIntent[req.IntentID.String()] = charge.ID
	return *charge, nil
}

func (f *Fake) TokenizeCard(_ context.Context, _ gateway.CustomerRef, card domain.CardFields, _ domain.CustomerProfile, _ string) (gateway.CardToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenizeCalls++
	f.seq++
	return gateway.CardToken{Token: fmt.Sprintf("tok_%06d", f.seq), Brand: "VISA", Last4: card.Last4()}, nil
}

func (f *Fake) FetchChargeStatus(_ context.Context, chargeID string) (domain.GatewayStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	c, ok := f.charges[chargeID]
	if !ok {
		return "", domain.NewGatewayError("fetch_charge_status", "not_found", "charge not found", http.StatusNotFound, nil)
	}
	return c.Status, nil
}

// SetStatus меняет статус списания в шлюзе (как будто клиент оплатил)
func (f *Fake) SetStatus(chargeID string, status domain.GatewayStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.charges[chargeID]; ok {
		c.Status = status
	}
}

// Calls возвращает счетчик вызовов CreateCharge
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ChargeCalls
}

// StatusCallCount возвращает счетчик вызовов FetchChargeStatus
func (f *Fake) StatusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StatusCalls
}

var _ gateway.Gateway = (*Fake)(nil)
