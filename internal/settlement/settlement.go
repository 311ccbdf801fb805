// Package settlement applies verified payments to invoices.
//
// Settling is the only write path that moves an invoice to paid. All of
// its effects (payment ledger row, invoice status, order or subscription
// activation, stock consumption) commit in one transaction, keyed on the
// payment's tx hash. A tx hash settles at most one invoice, ever: the
// second observer of the same hash gets ErrDuplicateSettlement and treats
// it as success already achieved, which is what makes the webhook and
// polling paths safe to race.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/metrics"
	"github.com/mbd888/chainvoice/internal/traces"
)

var (
	// ErrDuplicateSettlement means this tx hash already settled an invoice.
	ErrDuplicateSettlement = errors.New("transaction hash already settled an invoice")
	// ErrInvalidInvoiceState means the invoice is not pending.
	ErrInvalidInvoiceState = errors.New("invoice is not pending")
	// ErrStockIntegrity means settling would have driven stock negative.
	ErrStockIntegrity = errors.New("order stock could not be consumed")
)

// Payment is one ledger row: a verified on-chain transaction credited
// against an invoice. Rows are append-only.
type Payment struct {
	ID            string      `json:"id"`
	InvoiceID     string      `json:"invoiceId"`
	Chain         chain.Chain `json:"chain"`
	TxHash        string      `json:"txHash"`
	Amount        string      `json:"amount"` // decimal, chain-native units
	Confirmations int64       `json:"confirmations"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Result reports what a settlement touched.
type Result struct {
	Payment        *Payment
	OrderID        string
	SubscriptionID string
}

// Store executes the atomic settlement and expiry transitions.
type Store interface {
	// Settle records the payment and flips the invoice, its order or
	// subscription, and (for orders) stock, all atomically. Returns
	// ErrDuplicateSettlement when the tx hash is already recorded and
	// ErrInvalidInvoiceState when the invoice is not pending.
	Settle(ctx context.Context, p *Payment) (*Result, error)
	// Expire moves a pending invoice to expired, its order to expired,
	// and releases the order's reservations, atomically.
	Expire(ctx context.Context, invoiceID string) (*Result, error)
	ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error)
}

// Notifier receives settlement outcomes after they have committed.
type Notifier interface {
	InvoicePaid(ctx context.Context, inv *invoice.Invoice, p *Payment, res *Result)
	InvoiceExpired(ctx context.Context, inv *invoice.Invoice, res *Result)
}

// Applier turns a verified payment into a committed settlement and fans
// the outcome out to notifications and metrics.
type Applier struct {
	store    Store
	invoices invoice.Store
	notify   Notifier
}

// NewApplier creates a settlement applier. notify may be nil.
func NewApplier(store Store, invoices invoice.Store, notify Notifier) *Applier {
	return &Applier{store: store, invoices: invoices, notify: notify}
}

// Settle applies a verified payment to an invoice. Duplicate hashes are
// reported as success with no new effects.
func (a *Applier) Settle(ctx context.Context, inv *invoice.Invoice, txHash string, amount *big.Int, confirmations int64) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.InvoiceID(inv.ID), traces.TxHash(txHash), traces.ChainName(string(inv.Chain)))
	defer span.End()

	p := &Payment{
		InvoiceID:     inv.ID,
		Chain:         inv.Chain,
		TxHash:        txHash,
		Amount:        chain.FormatAmount(inv.Chain, amount),
		Confirmations: confirmations,
	}

	res, err := a.store.Settle(ctx, p)
	switch {
	case errors.Is(err, ErrDuplicateSettlement):
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		logging.L(ctx).Info("settlement already applied",
			"invoice_id", inv.ID, "tx_hash", txHash)
		return nil, err
	case errors.Is(err, ErrInvalidInvoiceState):
		metrics.SettlementsTotal.WithLabelValues("invalid_state").Inc()
		return nil, err
	case err != nil:
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to settle invoice %s: %w", inv.ID, err)
	}

	metrics.SettlementsTotal.WithLabelValues("applied").Inc()
	logging.L(ctx).Info("invoice settled",
		"invoice_id", inv.ID, "tx_hash", txHash, "chain", inv.Chain,
		"amount", p.Amount, "confirmations", confirmations,
		"order_id", res.OrderID, "subscription_id", res.SubscriptionID)

	if a.notify != nil {
		a.notify.InvoicePaid(ctx, inv, res.Payment, res)
	}
	return res, nil
}

// Expire voids a pending invoice whose deadline has passed.
func (a *Applier) Expire(ctx context.Context, inv *invoice.Invoice) (*Result, error) {
	res, err := a.store.Expire(ctx, inv.ID)
	if err != nil {
		if errors.Is(err, ErrInvalidInvoiceState) {
			// Lost the race to a settlement or another sweeper pass.
			return nil, err
		}
		return nil, fmt.Errorf("failed to expire invoice %s: %w", inv.ID, err)
	}

	metrics.InvoicesExpiredTotal.Inc()
	logging.L(ctx).Info("invoice expired",
		"invoice_id", inv.ID, "order_id", res.OrderID, "subscription_id", res.SubscriptionID)

	if a.notify != nil {
		a.notify.InvoiceExpired(ctx, inv, res)
	}
	return res, nil
}

// ListPayments returns the ledger rows for an invoice.
func (a *Applier) ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error) {
	return a.store.ListPayments(ctx, invoiceID)
}
