package repository

import "github.com/Dhoini/checkout-engine/internal/domain"

var (
	// ErrNotFound запись не найдена
	ErrNotFound = domain.ErrNotFound

	// ErrDuplicate дубликат записи
	ErrDuplicate = domain.ErrDuplicate

	// ErrVersionConflict версия записи изменилась с момента чтения
	ErrVersionConflict = domain.ErrVersionConflict
)
