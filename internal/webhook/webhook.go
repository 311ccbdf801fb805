// Package webhook ingests payment notifications from external chain
// monitors.
//
// A webhook is a hint, not a fact: the claimed transaction is always
// re-verified against the chain before anything settles. Unknown
// addresses and non-pending invoices are acknowledged and dropped, so a
// replayed or stale notification has no effect.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/validation"
	"github.com/mbd888/chainvoice/internal/verify"
)

// ErrMalformed means the event failed structural validation.
var ErrMalformed = errors.New("malformed webhook event")

// ErrIgnored means the event named no actionable invoice.
var ErrIgnored = errors.New("webhook event ignored")

// Event is an incoming payment notification. Amount and confirmations
// are the sender's claim and carry no weight; only chain, address, and
// tx hash are used, and the hash is re-verified on chain.
type Event struct {
	Chain         string `json:"chain"`
	Address       string `json:"address"`
	TxHash        string `json:"txHash"`
	Amount        string `json:"amount,omitempty"`
	Confirmations int64  `json:"confirmations,omitempty"`
}

// Ingestor validates webhook events and routes them into verification.
type Ingestor struct {
	coordinator *verify.Coordinator
	invoices    invoice.Store
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(coordinator *verify.Coordinator, invoices invoice.Store) *Ingestor {
	return &Ingestor{coordinator: coordinator, invoices: invoices}
}

// Process handles one event. Returns ErrMalformed for structurally
// invalid events, ErrIgnored for events naming no pending invoice, and
// otherwise the verification report for the claimed transaction.
func (i *Ingestor) Process(ctx context.Context, ev Event) (verify.Report, error) {
	ch, err := chain.Parse(ev.Chain)
	if err != nil {
		return verify.Report{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Address == "" || !validation.IsValidAddress(ch, ev.Address) {
		return verify.Report{}, fmt.Errorf("%w: bad address for chain %s", ErrMalformed, ch)
	}
	if ev.TxHash == "" || !validation.IsValidTxHash(ch, ev.TxHash) {
		return verify.Report{}, fmt.Errorf("%w: bad tx hash for chain %s", ErrMalformed, ch)
	}

	target, err := i.invoices.GetByAddress(ctx, ch, ev.Address)
	if errors.Is(err, invoice.ErrNotFound) {
		logging.L(ctx).Debug("webhook for unknown address",
			"chain", ch, "address", ev.Address, "tx_hash", ev.TxHash)
		return verify.Report{}, ErrIgnored
	}
	if err != nil {
		return verify.Report{}, err
	}
	if target.Status != invoice.StatusPending {
		logging.L(ctx).Debug("webhook for settled invoice",
			"invoice_id", target.ID, "status", target.Status, "tx_hash", ev.TxHash)
		return verify.Report{}, ErrIgnored
	}

	report := i.coordinator.CheckCandidate(ctx, target, ev.TxHash)
	return report, nil
}
