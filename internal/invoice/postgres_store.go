package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/chainvoice/internal/chain"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `
	id, order_id, subscription_id, chain, address, address_index,
	expected_amount, currency, status, confirmations,
	expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (
			id, order_id, subscription_id, chain, address, address_index,
			expected_amount, currency, status, confirmations,
			expires_at, created_at, updated_at
		) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, 0, $10, $11, $11)
	`, inv.ID, inv.OrderID, inv.SubscriptionID, string(inv.Chain), inv.Address,
		inv.AddressIndex, inv.ExpectedAmount, inv.Currency, string(inv.Status),
		inv.ExpiresAt.UTC(), inv.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			// chk_invoice_target: exactly one of order_id / subscription_id
			return ErrTargetRequired
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE id = $1
	`, id)
	return scanInvoice(row)
}

func (p *PostgresStore) GetByAddress(ctx context.Context, c chain.Chain, address string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE chain = $1 AND address = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, string(c), address)
	return scanInvoice(row)
}

func (p *PostgresStore) ListPendingByChain(ctx context.Context, c chain.Chain, now time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE chain = $1 AND status = 'pending' AND expires_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`, string(c), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (p *PostgresStore) Cancel(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordConfirmations(ctx context.Context, id string, confirmations int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET confirmations = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, confirmations)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var orderID, subscriptionID sql.NullString
	var chainName, status string
	err := row.Scan(&inv.ID, &orderID, &subscriptionID, &chainName, &inv.Address,
		&inv.AddressIndex, &inv.ExpectedAmount, &inv.Currency, &status,
		&inv.Confirmations, &inv.ExpiresAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.OrderID = orderID.String
	inv.SubscriptionID = subscriptionID.String
	inv.Chain = chain.Chain(chainName)
	inv.Status = Status(status)
	return inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	defer rows.Close()
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
