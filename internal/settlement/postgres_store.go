package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/idgen"
	"github.com/mbd888/chainvoice/internal/order"
)

// PostgresStore implements Store with PostgreSQL.
//
// Settle runs at serializable isolation with the invoice row locked
// first, so concurrent settlers of the same invoice line up behind the
// lock. The UNIQUE constraint on payments.tx_hash is the idempotency
// boundary: whichever transaction inserts first wins, everyone else sees
// 23505 and maps it to ErrDuplicateSettlement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Settle(ctx context.Context, payment *Payment) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	var orderID, subscriptionID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, order_id, subscription_id
		FROM invoices WHERE id = $1
		FOR UPDATE
	`, payment.InvoiceID).Scan(&status, &orderID, &subscriptionID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice %s does not exist", payment.InvoiceID)
	}
	if err != nil {
		return nil, err
	}
	if status != "pending" {
		return nil, ErrInvalidInvoiceState
	}

	if payment.ID == "" {
		payment.ID = idgen.WithPrefix("pay_")
	}
	payment.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, chain, tx_hash, amount, confirmations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, payment.ID, payment.InvoiceID, string(payment.Chain), payment.TxHash,
		payment.Amount, payment.Confirmations, payment.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateSettlement
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = 'paid', confirmations = $2, updated_at = NOW()
		WHERE id = $1
	`, payment.InvoiceID, payment.Confirmations)
	if err != nil {
		return nil, fmt.Errorf("failed to mark invoice paid: %w", err)
	}

	if orderID.Valid {
		if err := p.confirmOrder(ctx, tx, orderID.String); err != nil {
			return nil, err
		}
	}
	if subscriptionID.Valid {
		// The paid period starts at settlement, not at checkout.
		result, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				status = 'active',
				current_period_end = $2,
				updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, subscriptionID.String, payment.CreatedAt.Add(order.BillingPeriod))
		if err != nil {
			return nil, fmt.Errorf("failed to activate subscription: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil, ErrInvalidInvoiceState
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{
		Payment:        payment,
		OrderID:        orderID.String,
		SubscriptionID: subscriptionID.String,
	}, nil
}

// confirmOrder flips the order and consumes stock for its line items
// inside the settlement transaction. The conditional UPDATE on products
// refuses to drive stock or reservations negative; a zero-row update here
// means the books are inconsistent and the whole settlement rolls back.
func (p *PostgresStore) confirmOrder(ctx context.Context, tx *sql.Tx, orderID string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = 'confirmed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending_payment'
	`, orderID)
	if err != nil {
		return fmt.Errorf("failed to confirm order: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidInvoiceState
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items WHERE order_id = $1
	`, orderID)
	if err != nil {
		return err
	}
	type item struct {
		productID string
		quantity  int64
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.productID, &it.quantity); err != nil {
			rows.Close()
			return err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, it := range items {
		result, err := tx.ExecContext(ctx, `
			UPDATE products SET
				stock_quantity    = stock_quantity - $2,
				reserved_quantity = reserved_quantity - $2,
				updated_at = NOW()
			WHERE id = $1 AND stock_quantity >= $2 AND reserved_quantity >= $2
		`, it.productID, it.quantity)
		if err != nil {
			return fmt.Errorf("failed to consume stock: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: product %s", ErrStockIntegrity, it.productID)
		}
	}
	return nil
}

func (p *PostgresStore) Expire(ctx context.Context, invoiceID string) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	var orderID, subscriptionID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, order_id, subscription_id
		FROM invoices WHERE id = $1
		FOR UPDATE
	`, invoiceID).Scan(&status, &orderID, &subscriptionID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice %s does not exist", invoiceID)
	}
	if err != nil {
		return nil, err
	}
	if status != "pending" {
		return nil, ErrInvalidInvoiceState
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = 'expired', updated_at = NOW() WHERE id = $1
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark invoice expired: %w", err)
	}

	if orderID.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = 'expired', updated_at = NOW()
			WHERE id = $1 AND status = 'pending_payment'
		`, orderID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to expire order: %w", err)
		}

		// Return the holds; stock itself was never consumed.
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET
				reserved_quantity = products.reserved_quantity - oi.quantity,
				updated_at = NOW()
			FROM order_items oi
			WHERE oi.order_id = $1 AND products.id = oi.product_id
			  AND products.reserved_quantity >= oi.quantity
		`, orderID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to release reservations: %w", err)
		}
	}
	if subscriptionID.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = 'expired', updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, subscriptionID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to expire subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{
		OrderID:        orderID.String,
		SubscriptionID: subscriptionID.String,
	}, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, invoice_id, chain, tx_hash, amount, confirmations, created_at
		FROM payments WHERE invoice_id = $1
		ORDER BY created_at ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pm := &Payment{}
		var chainName string
		if err := rows.Scan(&pm.ID, &pm.InvoiceID, &chainName, &pm.TxHash,
			&pm.Amount, &pm.Confirmations, &pm.CreatedAt); err != nil {
			return nil, err
		}
		pm.Chain = chain.Chain(chainName)
		out = append(out, pm)
	}
	return out, rows.Err()
}
