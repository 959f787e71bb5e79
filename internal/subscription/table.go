// Package subscription конечный автомат подписки. Единственное место, где меняется статус подписки.
package subscription

import "github.com/Dhoini/checkout-engine/internal/domain"

type edge struct {
	from  domain.SubscriptionStatus
	event domain.SubscriptionEvent
}

// transitions закрытая таблица переходов; все, чего здесь нет, запрещено
var transitions = map[edge]domain.SubscriptionStatus{
	{domain.SubscriptionStatusPending, domain.EventPaymentConfirmed}: domain.SubscriptionStatusActive,
	{domain.SubscriptionStatusPending, domain.EventPaymentFailed}:    domain.SubscriptionStatusCanceled,
	{domain.SubscriptionStatusPending, domain.EventPaymentRetry}:     domain.SubscriptionStatusPending,
	{domain.SubscriptionStatusPending, domain.EventAdminCancel}:      domain.SubscriptionStatusCanceled,

	{domain.SubscriptionStatusActive, domain.EventGracePeriodElapsed}: domain.SubscriptionStatusSuspended,
	{domain.SubscriptionStatusActive, domain.EventPlanWindowElapsed}:  domain.SubscriptionStatusExpired,
	{domain.SubscriptionStatusActive, domain.EventAdminCancel}:        domain.SubscriptionStatusCanceled,

	{domain.SubscriptionStatusSuspended, domain.EventPaymentConfirmed}:  domain.SubscriptionStatusActive,
	{domain.SubscriptionStatusSuspended, domain.EventPlanWindowElapsed}: domain.SubscriptionStatusExpired,
	{domain.SubscriptionStatusSuspended, domain.EventAdminCancel}:       domain.SubscriptionStatusCanceled,
}

// Statuses все статусы, которые знает автомат (включая внешние GUEST/INACTIVE)
var Statuses = []domain.SubscriptionStatus{
	domain.SubscriptionStatusPending,
	domain.SubscriptionStatusActive,
	domain.SubscriptionStatusSuspended,
	domain.SubscriptionStatusExpired,
	domain.SubscriptionStatusCanceled,
	domain.SubscriptionStatusGuest,
	domain.SubscriptionStatusInactive,
}

// Events все входы автомата
var Events = []domain.SubscriptionEvent{
	domain.EventPaymentConfirmed,
	domain.EventPaymentFailed,
	domain.EventPaymentRetry,
	domain.EventGracePeriodElapsed,
	domain.EventPlanWindowElapsed,
	domain.EventAdminCancel,
}

// Next возвращает целевой статус для пары (статус, событие)
// или ErrInvalidTransition, если пары нет в таблице
func Next(from domain.SubscriptionStatus, event domain.SubscriptionEvent) (domain.SubscriptionStatus, error) {
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, &domain.TransitionError{From: from, Event: event}
	}
	return to, nil
}

// Allowed true, если переход есть в таблице
func Allowed(from domain.SubscriptionStatus, event domain.SubscriptionEvent) bool {
	_, ok := transitions[edge{from, event}]
	return ok
}
