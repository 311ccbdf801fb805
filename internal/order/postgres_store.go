package order

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/chainvoice/internal/chain"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_ref, total, currency, chain, status, invoice_id,
			created_at, updated_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), $8, $8)
	`, o.ID, o.CustomerRef, o.Total, o.Currency, string(o.Chain), string(o.Status),
		o.InvoiceID, o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
		`, o.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var customerRef, invoiceID sql.NullString
	var chainName, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, customer_ref, total, currency, chain, status, invoice_id,
		       created_at, updated_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &customerRef, &o.Total, &o.Currency, &chainName, &status,
		&invoiceID, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.CustomerRef = customerRef.String
	o.InvoiceID = invoiceID.String
	o.Chain = chain.Chain(chainName)
	o.Status = OrderStatus(status)

	rows, err := p.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func (p *PostgresStore) TransitionOrder(ctx context.Context, id string, from, to OrderStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to transition order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := p.GetOrder(ctx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, customer_ref, plan_id, price, currency, chain, status,
			invoice_id, current_period_end, created_at, updated_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $10)
	`, s.ID, s.CustomerRef, s.PlanID, s.Price, s.Currency, string(s.Chain),
		string(s.Status), s.InvoiceID, s.CurrentPeriodEnd.UTC(), s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	s := &Subscription{}
	var customerRef, invoiceID sql.NullString
	var chainName, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, customer_ref, plan_id, price, currency, chain, status,
		       invoice_id, current_period_end, created_at, updated_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(&s.ID, &customerRef, &s.PlanID, &s.Price, &s.Currency, &chainName,
		&status, &invoiceID, &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.CustomerRef = customerRef.String
	s.InvoiceID = invoiceID.String
	s.Chain = chain.Chain(chainName)
	s.Status = SubscriptionStatus(status)
	return s, nil
}

func (p *PostgresStore) TransitionSubscription(ctx context.Context, id string, from, to SubscriptionStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to transition subscription: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := p.GetSubscription(ctx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}
