// Package wallet allocates deposit addresses.
//
// Every invoice gets an address never handed out before, which is what
// lets an observed payment be attributed to exactly one invoice. The EVM
// family (ETH, USDT ERC-20) derives addresses on demand from a master
// key and a monotonic per-chain index. BTC, LTC, and TRON addresses are
// pre-generated offline and loaded into a pool; allocation claims the
// oldest unclaimed entry.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/chainvoice/internal/chain"
)

var (
	ErrInvalidMasterKey = errors.New("wallet: invalid master key")
	ErrPoolExhausted    = errors.New("wallet: deposit address pool is exhausted")
	ErrUnsupportedChain = errors.New("wallet: unsupported chain")
)

// Store persists allocated addresses and the pool.
type Store interface {
	// ReserveIndex claims the next derivation index for a chain.
	ReserveIndex(ctx context.Context, c chain.Chain) (int64, error)
	// SaveAddress records a derived address under its index.
	SaveAddress(ctx context.Context, c chain.Chain, index int64, address string) error
	// ClaimPooled claims the oldest unclaimed pool address for a chain.
	// Returns ErrPoolExhausted when none remain.
	ClaimPooled(ctx context.Context, c chain.Chain) (address string, index int64, err error)
	// AddPooled loads a pre-generated address into the pool.
	AddPooled(ctx context.Context, c chain.Chain, address string) error
	// PoolRemaining counts unclaimed pool addresses for a chain.
	PoolRemaining(ctx context.Context, c chain.Chain) (int64, error)
}

// Allocator hands out fresh deposit addresses per chain.
type Allocator struct {
	store  Store
	master *ecdsa.PrivateKey
}

// NewAllocator creates an allocator. masterKeyHex is the 64-hex-char
// secp256k1 master secret used for EVM address derivation.
func NewAllocator(store Store, masterKeyHex string) (*Allocator, error) {
	key := strings.TrimPrefix(masterKeyHex, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidMasterKey)
	}
	master, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	return &Allocator{store: store, master: master}, nil
}

// Allocate returns a never-used deposit address for the chain, together
// with its allocation index.
func (a *Allocator) Allocate(ctx context.Context, c chain.Chain) (string, int64, error) {
	switch c {
	case chain.ETH, chain.USDTERC20:
		index, err := a.store.ReserveIndex(ctx, c)
		if err != nil {
			return "", 0, err
		}
		address, err := a.deriveEVMAddress(index)
		if err != nil {
			return "", 0, err
		}
		if err := a.store.SaveAddress(ctx, c, index, address); err != nil {
			return "", 0, err
		}
		return address, index, nil
	case chain.BTC, chain.LTC, chain.USDTTRC20:
		return a.store.ClaimPooled(ctx, c)
	default:
		return "", 0, fmt.Errorf("%w: %s", ErrUnsupportedChain, c)
	}
}

// PoolRemaining reports how many pre-generated addresses remain for a
// pool-backed chain. Used by health checks to warn before exhaustion.
func (a *Allocator) PoolRemaining(ctx context.Context, c chain.Chain) (int64, error) {
	return a.store.PoolRemaining(ctx, c)
}

// deriveEVMAddress derives the address for one index from the master
// key. The child secret is keccak256(masterSecret || index); the rare
// digest outside the curve order is rehashed with an attempt counter.
func (a *Allocator) deriveEVMAddress(index int64) (string, error) {
	seed := crypto.FromECDSA(a.master)

	for attempt := byte(0); attempt < 16; attempt++ {
		buf := make([]byte, 0, len(seed)+9)
		buf = append(buf, seed...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(index))
		buf = append(buf, attempt)

		child, err := crypto.ToECDSA(crypto.Keccak256(buf))
		if err != nil {
			continue
		}
		return strings.ToLower(crypto.PubkeyToAddress(child.PublicKey).Hex()), nil
	}
	return "", fmt.Errorf("wallet: failed to derive address for index %d", index)
}
