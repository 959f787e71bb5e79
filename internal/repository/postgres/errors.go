package postgres

import (
	"errors"
	"fmt"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// mapError переводит ошибки pgx в ошибки репозитория
func mapError(err error, entity, id, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFoundError(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Проверяем код ошибки на нарушение уникальности
		if pgErr.Code == uniqueViolation {
			return domain.NewDuplicateError(entity, pgErr.ConstraintName, id)
		}
	}
	return fmt.Errorf("failed to %s %s: %w", op, entity, err)
}
