package inventory

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
//
// Reservation arithmetic rides on conditional UPDATEs; the table's CHECK
// constraints (reserved_quantity BETWEEN 0 AND stock_quantity) backstop
// the same invariant at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed inventory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateProduct(ctx context.Context, prod *Product) error {
	if prod.StockQuantity < 0 {
		return ErrInvalidQuantity
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (
			id, name, description, price, currency,
			stock_quantity, reserved_quantity, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, prod.ID, prod.Name, prod.Description, prod.Price, prod.Currency,
		prod.StockQuantity, prod.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	prod := &Product{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, description, price, currency,
		       stock_quantity, reserved_quantity, created_at, updated_at
		FROM products WHERE id = $1
	`, id).Scan(&prod.ID, &prod.Name, &prod.Description, &prod.Price, &prod.Currency,
		&prod.StockQuantity, &prod.ReservedQuantity, &prod.CreatedAt, &prod.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return prod, nil
}

func (p *PostgresStore) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, price, currency,
		       stock_quantity, reserved_quantity, created_at, updated_at
		FROM products ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		prod := &Product{}
		if err := rows.Scan(&prod.ID, &prod.Name, &prod.Description, &prod.Price,
			&prod.Currency, &prod.StockQuantity, &prod.ReservedQuantity,
			&prod.CreatedAt, &prod.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, prod)
	}
	return out, rows.Err()
}

// Reserve holds qty units in one atomic statement. The WHERE clause is
// the availability check: zero rows updated on an existing product means
// not enough unreserved stock.
func (p *PostgresStore) Reserve(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET
			reserved_quantity = reserved_quantity + $2,
			updated_at = NOW()
		WHERE id = $1 AND reserved_quantity + $2 <= stock_quantity
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := p.GetProduct(ctx, productID); err != nil {
			return err
		}
		return ErrOutOfStock
	}
	return nil
}

// Release returns held units, floored at zero so a stale or doubled
// release can never drive the counter negative.
func (p *PostgresStore) Release(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET
			reserved_quantity = GREATEST(reserved_quantity - $2, 0),
			updated_at = NOW()
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (p *PostgresStore) Consume(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET
			stock_quantity    = stock_quantity - $2,
			reserved_quantity = reserved_quantity - $2,
			updated_at = NOW()
		WHERE id = $1 AND reserved_quantity >= $2 AND stock_quantity >= $2
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to consume stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}
