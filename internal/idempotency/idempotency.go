// Package idempotency связывает ключ запроса оформления с его результатом,
// чтобы повтор запроса не создавал второго списания.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
)

// State состояние ключа
type State string

const (
	StateNew       State = "new"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// Reservation результат Reserve/Lookup
type Reservation struct {
	State  State
	Result *domain.CheckoutResult
}

// Store хранилище ключей идемпотентности.
//
// Reserve атомарно захватывает свободный ключ (StateNew) или сообщает,
// что ключ уже занят (StateInFlight) либо завершен (StateCompleted, с результатом).
// Незавершенная резервация истекает по TTL.
type Store interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Complete(ctx context.Context, key string, result domain.CheckoutResult) error
	Release(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (Reservation, error)
}

// Options время жизни записей
type Options struct {
	ReservationTTL time.Duration
	CompletedTTL   time.Duration
}

// DefaultOptions значения по умолчанию
func DefaultOptions() Options {
	return Options{
		ReservationTTL: 2 * time.Minute,
		CompletedTTL:   48 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = d.ReservationTTL
	}
	if o.CompletedTTL <= 0 {
		o.CompletedTTL = d.CompletedTTL
	}
	return o
}

// DeriveKey строит ключ из (taxId, planId, method, amount, календарный день),
// так что двойной клик в течение дня сводится к одному списанию
func DeriveKey(taxID, planID string, method domain.BillingMethod, amountCents int64, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	day := at.In(loc).Format("2006-01-02")
	raw := strings.Join([]string{
		domain.NormalizeTaxID(taxID),
		planID,
		string(method),
		fmt.Sprintf("%d", amountCents),
		day,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "derived:" + hex.EncodeToString(sum[:16])
}

// ValidateKey проверяет ключ, присланный клиентом
func ValidateKey(key string) error {
	if key == "" || len(key) > 128 {
		return fmt.Errorf("%w: idempotency key must be 1..128 characters", domain.ErrInvalidInput)
	}
	return nil
}
