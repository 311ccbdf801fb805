package chain

import (
	"context"
	"math/big"
	"sync"
)

// FakeClient is a scripted in-memory chain client for tests and
// development mode.
type FakeClient struct {
	chain Chain

	mu      sync.Mutex
	txs     map[string][]Tx // by address
	listErr error
	verErr  error
}

// NewFakeClient creates an empty fake client for the given chain.
func NewFakeClient(c Chain) *FakeClient {
	return &FakeClient{
		chain: c,
		txs:   make(map[string][]Tx),
	}
}

// AddTx scripts an incoming transaction for an address.
func (f *FakeClient) AddTx(address string, tx Tx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.AmountDecimal == "" && tx.Amount != nil {
		tx.AmountDecimal = FormatAmount(f.chain, tx.Amount)
	}
	f.txs[address] = append(f.txs[address], tx)
}

// FailWith makes subsequent calls return the given error (wrapped as an
// adapter error). Pass nil to clear.
func (f *FakeClient) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
	f.verErr = err
}

func (f *FakeClient) ListIncoming(_ context.Context, address string) ([]Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, &AdapterError{Chain: f.chain, Op: "list", Err: f.listErr}
	}
	out := make([]Tx, len(f.txs[address]))
	copy(out, f.txs[address])
	return out, nil
}

func (f *FakeClient) Verify(_ context.Context, tx Tx, expected *big.Int) (Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verErr != nil {
		return Verification{}, &AdapterError{Chain: f.chain, Op: "verify", Err: f.verErr}
	}

	amount := tx.Amount
	confirmations := tx.Confirmations
	if amount == nil {
		// Candidate arrived as a bare hash (webhook path); resolve it
		// against scripted transactions the way a real client fetches
		// the transaction from the chain.
		if scripted, ok := f.lookup(tx.Hash, tx.To); ok {
			amount = scripted.Amount
			confirmations = scripted.Confirmations
		} else {
			amount = big.NewInt(0)
		}
	}
	v := Verification{
		Amount:        amount,
		Confirmations: confirmations,
		Status:        "seen",
	}
	if confirmations >= f.chain.MinConfirmations() {
		v.Status = "confirmed"
	}
	v.Verified = amount.Cmp(expected) >= 0 && v.Status == "confirmed"
	return v, nil
}

// lookup finds a scripted transaction by hash, preferring the given
// address when set. Caller must hold f.mu.
func (f *FakeClient) lookup(hash, to string) (Tx, bool) {
	if to != "" {
		for _, tx := range f.txs[to] {
			if tx.Hash == hash {
				return tx, true
			}
		}
		return Tx{}, false
	}
	for _, txs := range f.txs {
		for _, tx := range txs {
			if tx.Hash == hash {
				return tx, true
			}
		}
	}
	return Tx{}, false
}
