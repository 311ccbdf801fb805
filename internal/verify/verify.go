// Package verify decides whether an invoice has been paid.
//
// The coordinator is the only component that interprets chain
// observations. Webhooks and pollers both funnel through it, so a payment
// claim is never believed without the chain client confirming the
// transaction, its amount, and its confirmation depth. Adapter failures
// yield the indeterminate outcome: the invoice stays pending and is
// retried on a later pass, never written off as unpaid.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/metrics"
	"github.com/mbd888/chainvoice/internal/settlement"
	"github.com/mbd888/chainvoice/internal/traces"
)

// Outcome classifies a single verification pass over an invoice.
type Outcome string

const (
	// OutcomeNoTransaction: the chain was observed and nothing pays the
	// deposit address.
	OutcomeNoTransaction Outcome = "no_transaction"
	// OutcomeUnderpaid: payments were seen but sum below the expected
	// amount.
	OutcomeUnderpaid Outcome = "underpaid"
	// OutcomeMatched: a sufficient, sufficiently-confirmed payment exists
	// and the invoice has been settled (now or on an earlier pass).
	OutcomeMatched Outcome = "matched"
	// OutcomeInsufficientConfirmations: a sufficient payment exists but is
	// not yet at final depth.
	OutcomeInsufficientConfirmations Outcome = "insufficient_confirmations"
	// OutcomeIndeterminate: the chain could not be observed; nothing was
	// concluded.
	OutcomeIndeterminate Outcome = "indeterminate"
)

// ErrNoClient means no chain client is registered for the invoice's chain.
var ErrNoClient = errors.New("no chain client registered")

// Report is the result of one verification pass.
type Report struct {
	Outcome       Outcome  `json:"outcome"`
	TxHash        string   `json:"txHash,omitempty"`
	Amount        *big.Int `json:"-"`
	Confirmations int64    `json:"confirmations"`
	Err           error    `json:"-"`
}

// Coordinator verifies invoices against their chains and settles matches.
type Coordinator struct {
	clients  map[chain.Chain]chain.Client
	applier  *settlement.Applier
	invoices invoice.Store
}

// NewCoordinator creates a verification coordinator. Chain clients are
// registered per chain with Register.
func NewCoordinator(applier *settlement.Applier, invoices invoice.Store) *Coordinator {
	return &Coordinator{
		clients:  make(map[chain.Chain]chain.Client),
		applier:  applier,
		invoices: invoices,
	}
}

// Register attaches a client for one chain.
func (c *Coordinator) Register(ch chain.Chain, client chain.Client) {
	c.clients[ch] = client
}

// Chains returns the chains that have a registered client, in stable order.
func (c *Coordinator) Chains() []chain.Chain {
	var out []chain.Chain
	for _, ch := range chain.All() {
		if _, ok := c.clients[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// CheckInvoice scans the chain for payments to the invoice's address and
// settles the invoice if a matching transaction is at final depth.
func (c *Coordinator) CheckInvoice(ctx context.Context, inv *invoice.Invoice) Report {
	ctx, span := traces.StartSpan(ctx, "verify.CheckInvoice",
		traces.InvoiceID(inv.ID), traces.ChainName(string(inv.Chain)))
	defer span.End()

	client, expected, report := c.prepare(inv)
	if report != nil {
		return c.finish(ctx, inv, *report)
	}

	txs, err := client.ListIncoming(ctx, inv.Address)
	if err != nil {
		return c.finish(ctx, inv, c.indeterminate(inv, "list", err))
	}
	if len(txs) == 0 {
		return c.finish(ctx, inv, Report{Outcome: OutcomeNoTransaction})
	}

	best := Report{Outcome: OutcomeNoTransaction}
	for _, tx := range txs {
		v, err := client.Verify(ctx, tx, expected)
		if err != nil {
			// One unobservable candidate makes the whole pass
			// inconclusive: a later pass re-examines everything.
			return c.finish(ctx, inv, c.indeterminate(inv, "verify", err))
		}

		if v.Verified {
			return c.finish(ctx, inv, c.settle(ctx, inv, tx.Hash, v))
		}
		best = better(best, classify(tx.Hash, v, expected))
	}
	return c.finish(ctx, inv, best)
}

// CheckCandidate verifies one claimed transaction hash against the
// invoice. Used by the webhook path; the claim itself carries no weight.
func (c *Coordinator) CheckCandidate(ctx context.Context, inv *invoice.Invoice, txHash string) Report {
	ctx, span := traces.StartSpan(ctx, "verify.CheckCandidate",
		traces.InvoiceID(inv.ID), traces.TxHash(txHash), traces.ChainName(string(inv.Chain)))
	defer span.End()

	client, expected, report := c.prepare(inv)
	if report != nil {
		return c.finish(ctx, inv, *report)
	}

	tx := chain.Tx{Hash: txHash, To: inv.Address}
	v, err := client.Verify(ctx, tx, expected)
	if err != nil {
		return c.finish(ctx, inv, c.indeterminate(inv, "verify", err))
	}
	if v.Verified {
		return c.finish(ctx, inv, c.settle(ctx, inv, txHash, v))
	}
	return c.finish(ctx, inv, classify(txHash, v, expected))
}

func (c *Coordinator) prepare(inv *invoice.Invoice) (chain.Client, *big.Int, *Report) {
	client, ok := c.clients[inv.Chain]
	if !ok {
		err := fmt.Errorf("%w for chain %s", ErrNoClient, inv.Chain)
		return nil, nil, &Report{Outcome: OutcomeIndeterminate, Err: err}
	}
	expected, ok := chain.ParseAmount(inv.Chain, inv.ExpectedAmount)
	if !ok || expected.Sign() <= 0 {
		err := fmt.Errorf("invoice %s has unparseable expected amount %q", inv.ID, inv.ExpectedAmount)
		return nil, nil, &Report{Outcome: OutcomeIndeterminate, Err: err}
	}
	return client, expected, nil
}

func (c *Coordinator) settle(ctx context.Context, inv *invoice.Invoice, txHash string, v chain.Verification) Report {
	_, err := c.applier.Settle(ctx, inv, txHash, v.Amount, v.Confirmations)
	switch {
	case err == nil, errors.Is(err, settlement.ErrDuplicateSettlement):
		// Duplicate means another observer already applied this hash;
		// from the caller's view the invoice is paid either way.
		return Report{Outcome: OutcomeMatched, TxHash: txHash, Amount: v.Amount, Confirmations: v.Confirmations}
	default:
		// Includes ErrInvalidInvoiceState: the invoice left pending
		// between our read and the settlement. Nothing was applied.
		return Report{Outcome: OutcomeIndeterminate, TxHash: txHash, Err: err}
	}
}

func (c *Coordinator) indeterminate(inv *invoice.Invoice, op string, err error) Report {
	metrics.AdapterErrorsTotal.WithLabelValues(string(inv.Chain)).Inc()
	return Report{Outcome: OutcomeIndeterminate, Err: fmt.Errorf("%s %s: %w", inv.Chain, op, err)}
}

// finish records metrics, the observed confirmation counter, and logging
// for a completed pass.
func (c *Coordinator) finish(ctx context.Context, inv *invoice.Invoice, r Report) Report {
	metrics.VerificationsTotal.WithLabelValues(string(inv.Chain), string(r.Outcome)).Inc()

	if r.Outcome == OutcomeInsufficientConfirmations && c.invoices != nil {
		if err := c.invoices.RecordConfirmations(ctx, inv.ID, r.Confirmations); err != nil {
			logging.L(ctx).Warn("failed to record confirmations",
				"invoice_id", inv.ID, "error", err)
		}
	}

	switch r.Outcome {
	case OutcomeIndeterminate:
		logging.L(ctx).Warn("verification indeterminate",
			"invoice_id", inv.ID, "chain", inv.Chain, "error", r.Err)
	case OutcomeMatched:
		// Settlement already logged the details.
	default:
		logging.L(ctx).Debug("verification pass",
			"invoice_id", inv.ID, "chain", inv.Chain, "outcome", r.Outcome,
			"tx_hash", r.TxHash, "confirmations", r.Confirmations)
	}
	return r
}

// classify maps an unverified observation to underpaid or
// insufficient_confirmations.
func classify(txHash string, v chain.Verification, expected *big.Int) Report {
	amount := v.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() <= 0 {
		return Report{Outcome: OutcomeNoTransaction}
	}
	if amount.Cmp(expected) >= 0 {
		return Report{
			Outcome:       OutcomeInsufficientConfirmations,
			TxHash:        txHash,
			Amount:        amount,
			Confirmations: v.Confirmations,
		}
	}
	return Report{Outcome: OutcomeUnderpaid, TxHash: txHash, Amount: amount, Confirmations: v.Confirmations}
}

// better keeps the most informative of two non-matching reports.
func better(a, b Report) Report {
	if outcomeRank(b.Outcome) > outcomeRank(a.Outcome) {
		return b
	}
	return a
}

func outcomeRank(o Outcome) int {
	switch o {
	case OutcomeInsufficientConfirmations:
		return 3
	case OutcomeUnderpaid:
		return 2
	case OutcomeNoTransaction:
		return 1
	}
	return 0
}
