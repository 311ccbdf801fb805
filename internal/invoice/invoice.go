// Package invoice holds the deposit invoice model and its stores.
//
// An invoice binds a freshly allocated deposit address to an expected
// amount and a payable target: exactly one of an order or a
// subscription. Once terminal (paid, expired, cancelled) an invoice is
// immutable; only the settlement applier moves it to paid and only the
// expiry sweeper moves it to expired.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/chainvoice/internal/chain"
)

var (
	ErrNotFound       = errors.New("invoice not found")
	ErrStateConflict  = errors.New("invoice is not in the required state")
	ErrTargetRequired = errors.New("invoice must reference exactly one of order or subscription")
	ErrInvalidAmount  = errors.New("invoice expected amount must be positive")
)

// Status represents the lifecycle state of an invoice.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Invoice is a single deposit request.
//
// All timestamps are absolute UTC instants. Expiry decisions always
// compare ExpiresAt against an application-supplied clock, never a
// database-local one.
type Invoice struct {
	ID             string      `json:"id"`
	OrderID        string      `json:"orderId,omitempty"`
	SubscriptionID string      `json:"subscriptionId,omitempty"`
	Chain          chain.Chain `json:"chain"`
	Address        string      `json:"address"`
	AddressIndex   int64       `json:"addressIndex"`
	ExpectedAmount string      `json:"expectedAmount"` // decimal, chain-native units
	Currency       string      `json:"currency"`
	Status         Status      `json:"status"`
	Confirmations  int64       `json:"confirmations"` // last observed depth, presentation only
	ExpiresAt      time.Time   `json:"expiresAt"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// IsTerminal returns true if the invoice is in a final state.
func (i *Invoice) IsTerminal() bool {
	switch i.Status {
	case StatusPaid, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Validate checks structural invariants before persistence.
func (i *Invoice) Validate() error {
	if (i.OrderID == "") == (i.SubscriptionID == "") {
		return ErrTargetRequired
	}
	if !i.Chain.Valid() {
		return fmt.Errorf("invoice: unknown chain %q", i.Chain)
	}
	amount, ok := chain.ParseAmount(i.Chain, i.ExpectedAmount)
	if !ok || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if i.Address == "" {
		return errors.New("invoice: deposit address is required")
	}
	return nil
}

// Store persists invoices.
//
// Status mutations to paid/expired happen inside the settlement store's
// transactions, not here; this store only creates, reads, cancels, and
// records observed confirmation depth.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByAddress(ctx context.Context, c chain.Chain, address string) (*Invoice, error)
	// ListPendingByChain returns pending, unexpired invoices for one chain,
	// oldest first. now is the caller's UTC clock.
	ListPendingByChain(ctx context.Context, c chain.Chain, now time.Time, limit int) ([]*Invoice, error)
	// ListExpired returns pending invoices whose expiry instant has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Invoice, error)
	Cancel(ctx context.Context, id string) error
	RecordConfirmations(ctx context.Context, id string, confirmations int64) error
}
