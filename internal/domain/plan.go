package domain

import (
	"fmt"
	"time"
)

// BillingPeriod период оплаты плана
type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
	BillingPeriodOneTime BillingPeriod = "one_time"
)

// Valid проверяет, что период известен
func (p BillingPeriod) Valid() bool {
	switch p {
	case BillingPeriodMonthly, BillingPeriodYearly, BillingPeriodOneTime:
		return true
	}
	return false
}

// Recurring true для периодов с повторным списанием
func (p BillingPeriod) Recurring() bool {
	return p == BillingPeriodMonthly || p == BillingPeriodYearly
}

// DefaultOneTimeDays окно действия разового плана, если в плане не задано иное
const DefaultOneTimeDays = 30

// Plan план подписки. Только для чтения: создается и редактируется внешней админкой.
type Plan struct {
	ID         string                  `json:"id" yaml:"id"`
	Name       string                  `json:"name" yaml:"name"`
	Currency   string                  `json:"currency" yaml:"currency"`
	Prices     map[BillingPeriod]int64 `json:"prices" yaml:"prices"` // в центавос
	Features   []string                `json:"features,omitempty" yaml:"features"`
	BenefitIDs []string                `json:"benefit_ids,omitempty" yaml:"benefit_ids"`
	// RewardPoints начисляются при каждой активации
	RewardPoints int64 `json:"reward_points" yaml:"reward_points"`
	// CashbackBasisPoints доля оплаченной суммы в б.п. (500 = 5%)
	CashbackBasisPoints int64 `json:"cashback_basis_points" yaml:"cashback_basis_points"`
	OneTimeDays         int   `json:"one_time_days,omitempty" yaml:"one_time_days"`
	Active              bool  `json:"active" yaml:"active"`
}

// PriceFor возвращает цену плана для периода
func (p Plan) PriceFor(period BillingPeriod) (int64, error) {
	price, ok := p.Prices[period]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: plan %s has no %s price", ErrInvalidInput, p.ID, period)
	}
	return price, nil
}

// WindowEnd вычисляет конец оплаченного окна, начиная с start
func (p Plan) WindowEnd(period BillingPeriod, start time.Time) time.Time {
	switch period {
	case BillingPeriodMonthly:
		return start.AddDate(0, 1, 0)
	case BillingPeriodYearly:
		return start.AddDate(1, 0, 0)
	default:
		days := p.OneTimeDays
		if days <= 0 {
			days = DefaultOneTimeDays
		}
		return start.AddDate(0, 0, days)
	}
}

// CashbackFor кэшбэк в центавос для оплаченной суммы
func (p Plan) CashbackFor(amountCents int64) int64 {
	if p.CashbackBasisPoints <= 0 || amountCents <= 0 {
		return 0
	}
	return amountCents * p.CashbackBasisPoints / 10000
}
