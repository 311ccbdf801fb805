// Package expiry voids invoices whose payment deadline has passed.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/settlement"
)

// expiryBatch bounds how many overdue invoices one pass handles.
const expiryBatch = 500

// Sweeper expires overdue pending invoices. Like the payment sweeper it
// is stateless: every pass re-derives its work from the store, and losing
// a race against a concurrent settlement is an expected no-op.
type Sweeper struct {
	invoices invoice.Store
	applier  *settlement.Applier
}

// New creates an expiry sweeper.
func New(invoices invoice.Store, applier *settlement.Applier) *Sweeper {
	return &Sweeper{invoices: invoices, applier: applier}
}

// Sweep expires every pending invoice whose deadline is at or before now.
// Returns the number of invoices expired.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	overdue, err := s.invoices.ListExpired(ctx, now, expiryBatch)
	if err != nil {
		logging.L(ctx).Error("failed to list overdue invoices", "error", err)
		return 0
	}

	expired := 0
	for _, inv := range overdue {
		if ctx.Err() != nil {
			break
		}
		_, err := s.applier.Expire(ctx, inv)
		switch {
		case errors.Is(err, settlement.ErrInvalidInvoiceState):
			// Settled or cancelled between listing and locking. Fine.
			continue
		case err != nil:
			logging.L(ctx).Error("failed to expire invoice",
				"invoice_id", inv.ID, "error", err)
			continue
		}
		expired++
	}

	if expired > 0 {
		logging.L(ctx).Info("expiry pass complete", "expired", expired)
	}
	return expired
}
