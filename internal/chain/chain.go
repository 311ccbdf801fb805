// Package chain defines the chain client contract and the supported chains.
//
// A Client observes a single chain family through an external explorer or
// RPC node. Clients never mutate local state: they report what the chain
// says about an address, and the verification coordinator turns that into
// a verdict. Explorer failures surface as *AdapterError so callers can
// distinguish "indeterminate" from "no payment seen".
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Chain identifies a supported deposit chain.
type Chain string

const (
	BTC       Chain = "BTC"
	ETH       Chain = "ETH"
	USDTERC20 Chain = "USDT_ERC20"
	USDTTRC20 Chain = "USDT_TRC20"
	LTC       Chain = "LTC"
)

// All returns every supported chain, in stable order.
func All() []Chain {
	return []Chain{BTC, ETH, USDTERC20, USDTTRC20, LTC}
}

// Parse validates a chain identifier string.
func Parse(s string) (Chain, error) {
	switch Chain(s) {
	case BTC, ETH, USDTERC20, USDTTRC20, LTC:
		return Chain(s), nil
	}
	return "", fmt.Errorf("chain: unknown chain %q", s)
}

// Valid reports whether c is a supported chain.
func (c Chain) Valid() bool {
	_, err := Parse(string(c))
	return err == nil
}

// Decimals returns the number of decimal places of the chain's native unit
// (satoshis, wei, token base units).
func (c Chain) Decimals() int {
	switch c {
	case BTC, LTC:
		return 8
	case ETH:
		return 18
	case USDTERC20, USDTTRC20:
		return 6
	default:
		return 0
	}
}

// MinConfirmations returns the confirmation depth at which a payment on
// this chain is treated as final.
func (c Chain) MinConfirmations() int64 {
	switch c {
	case BTC:
		return 2
	case LTC:
		return 6
	case ETH, USDTERC20:
		return 12
	case USDTTRC20:
		return 20
	default:
		return 1
	}
}

// Tx is a candidate incoming transaction observed on chain.
type Tx struct {
	Hash          string   `json:"hash"`
	To            string   `json:"to"`
	Amount        *big.Int `json:"-"`      // smallest units
	AmountDecimal string   `json:"amount"` // normalized decimal string
	Confirmations int64    `json:"confirmations"`
}

// Verification is the chain-observed verdict for a candidate transaction.
type Verification struct {
	Verified      bool     // amount >= expected AND confirmations >= chain minimum
	Amount        *big.Int // amount actually received, smallest units
	Confirmations int64
	Status        string // "confirmed" when at final depth, else "seen"
}

// Client observes incoming payments for one chain.
//
// ListIncoming returns candidate transactions paying the given deposit
// address. Verify re-checks a single candidate against an expected amount.
// Both must return *AdapterError (wrapped) on explorer/RPC failures;
// an error is never equivalent to "no payment".
type Client interface {
	ListIncoming(ctx context.Context, address string) ([]Tx, error)
	Verify(ctx context.Context, tx Tx, expected *big.Int) (Verification, error)
}

// AdapterError reports an indeterminate explorer outcome: the chain could
// not be observed, so nothing can be concluded about the payment.
type AdapterError struct {
	Chain       Chain
	Op          string // "list", "verify", "tip"
	RateLimited bool
	Err         error
}

func (e *AdapterError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("chain %s: %s rate limited: %v", e.Chain, e.Op, e.Err)
	}
	return fmt.Sprintf("chain %s: %s failed: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsIndeterminate reports whether err represents an adapter failure
// (as opposed to a definite chain observation).
func IsIndeterminate(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae)
}
