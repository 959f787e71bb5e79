package postgres

import (
	"context"
	"fmt"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/google/uuid"
)

// GetCustomerByTaxID возвращает клиента по CPF/CNPJ
func (t *pgTx) GetCustomerByTaxID(ctx context.Context, taxID string) (domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE tax_id = $1`

	c, err := scanCustomer(t.q.QueryRow(ctx, query, taxID))
	if err != nil {
		return domain.Customer{}, mapError(err, "customer", taxID, "get")
	}
	return c, nil
}

// CreateCustomer сохраняет нового клиента
func (t *pgTx) CreateCustomer(ctx context.Context, c domain.Customer) error {
	query := `
		INSERT INTO customers (id, tax_id, name, email, phone, gateway_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.q.Exec(ctx, query, c.ID, c.TaxID, c.Name, c.Email, c.Phone, c.GatewayCustomerID, c.CreatedAt, c.UpdatedAt)
	return mapError(err, "customer", c.TaxID, "create")
}

// SetGatewayCustomerID привязывает клиента шлюза один раз
func (t *pgTx) SetGatewayCustomerID(ctx context.Context, customerID uuid.UUID, gatewayID string) error {
	query := `
		UPDATE customers
		SET gateway_customer_id = $2, updated_at = NOW()
		WHERE id = $1 AND (gateway_customer_id IS NULL OR gateway_customer_id = $2)
	`
	tag, err := t.q.Exec(ctx, query, customerID, gatewayID)
	if err != nil {
		return mapError(err, "customer", customerID.String(), "update")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)`, customerID).Scan(&exists); err != nil {
			return mapError(err, "customer", customerID.String(), "get")
		}
		if !exists {
			return domain.NewNotFoundError("customer", customerID.String())
		}
		return fmt.Errorf("%w: customer %s already linked to another gateway customer", domain.ErrDuplicate, customerID)
	}
	return nil
}

// GetCustomer возвращает клиента по id
func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`

	c, err := scanCustomer(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Customer{}, mapError(err, "customer", id.String(), "get")
	}
	return c, nil
}
