package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи (нарушение уникального ограничения)
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrPlanNotFound план не найден или неактивен
	ErrPlanNotFound = errors.New("plan not found")

	// ErrVersionConflict запись изменена параллельно (optimistic locking)
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition переход отсутствует в таблице переходов
	ErrInvalidTransition = errors.New("invalid subscription transition")

	// ErrStaleEvent событие сообщает статус не новее текущего
	ErrStaleEvent = errors.New("stale confirmation event")

	// ErrDuplicateRequest ключ идемпотентности уже завершен (повтор запроса)
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrRequestInFlight запрос с тем же ключом еще выполняется
	ErrRequestInFlight = errors.New("request with the same idempotency key is in flight")

	// ErrGatewayTransient временная ошибка шлюза (сеть, 5xx, 429)
	ErrGatewayTransient = errors.New("gateway temporarily unavailable")

	// ErrGatewayRejected шлюз окончательно отклонил запрос (карта отклонена, неверные данные)
	ErrGatewayRejected = errors.New("gateway rejected the request")

	// ErrUnverifiedWebhook не удалось проверить подлинность вебхука
	ErrUnverifiedWebhook = errors.New("unverified webhook")

	// ErrUnsupportedPaymentMethod неподдерживаемый метод оплаты
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
)

// GatewayError представляет ошибку платежного шлюза
type GatewayError struct {
	Operation   string
	Code        string
	Message     string
	StatusCode  int
	Transient   bool
	Rejected    bool
	OriginalErr error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("gateway %s error [%s]: %s: %v (status: %d)", e.Operation, e.Code, e.Message, e.OriginalErr, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s error [%s]: %s (status: %d)", e.Operation, e.Code, e.Message, e.StatusCode)
}

// Unwrap возвращает оригинальную ошибку
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// Is сопоставляет ошибку с классами ошибок шлюза
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGatewayTransient:
		return e.Transient
	case ErrGatewayRejected:
		return e.Rejected
	case ErrDuplicateRequest:
		return e.Code == GatewayCodeDuplicate
	}
	return false
}

// GatewayCodeDuplicate код ошибки шлюза "повторный запрос"
const GatewayCodeDuplicate = "duplicate_request"

// NewGatewayError создает новую ошибку шлюза
func NewGatewayError(operation, code, message string, statusCode int, err error) *GatewayError {
	return &GatewayError{
		Operation:   operation,
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}

// TransitionError описывает отклоненный переход подписки
type TransitionError struct {
	SubscriptionID string
	From           SubscriptionStatus
	Event          SubscriptionEvent
}

// Error реализует интерфейс error
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s on %s (subscription_id: %s)", e.From, e.Event, e.SubscriptionID)
}

// Is позволяет errors.Is(err, ErrInvalidTransition)
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is позволяет errors.Is(err, ErrInvalidInput)
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields возвращает список полей с ошибками
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// DuplicateError представляет ошибку дубликата
type DuplicateError struct {
	Entity string
	Field  string
	Value  string
}

// Error реализует интерфейс error
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s '%s' already exists", e.Entity, e.Field, e.Value)
}

// Is проверяет, является ли ошибка ошибкой дубликата
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// NewDuplicateError создает новую ошибку дубликата
func NewDuplicateError(entity, field, value string) *DuplicateError {
	return &DuplicateError{
		Entity: entity,
		Field:  field,
		Value:  value,
	}
}
