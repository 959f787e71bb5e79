package asaas

import "github.com/Dhoini/checkout-engine/internal/domain"

// MapPaymentStatus переводит статус платежа Asaas в нормализованный статус.
// Возвраты и чарджбэки в жизненный цикл подписки не входят и дают UNKNOWN.
func MapPaymentStatus(status string) domain.GatewayStatus {
	switch status {
	case "PENDING", "AWAITING_RISK_ANALYSIS":
		return domain.GatewayStatusAccepted
	case "CONFIRMED", "RECEIVED", "RECEIVED_IN_CASH":
		return domain.GatewayStatusConfirmed
	case "OVERDUE":
		return domain.GatewayStatusExpired
	case "REFUSED", "REPROVED", "CREDIT_CARD_CAPTURE_REFUSED":
		return domain.GatewayStatusRejected
	}
	return domain.GatewayStatusUnknown
}

// MapWebhookEvent учитывает имя события: некоторые отказы приходят
// с прежним статусом платежа
func MapWebhookEvent(event, paymentStatus string) domain.GatewayStatus {
	switch event {
	case "PAYMENT_CREDIT_CARD_CAPTURE_REFUSED", "PAYMENT_REPROVED_BY_RISK_ANALYSIS":
		return domain.GatewayStatusRejected
	case "PAYMENT_CONFIRMED", "PAYMENT_RECEIVED":
		return domain.GatewayStatusConfirmed
	case "PAYMENT_OVERDUE", "PAYMENT_DELETED":
		return domain.GatewayStatusExpired
	}
	return MapPaymentStatus(paymentStatus)
}
