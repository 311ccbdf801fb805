package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ethLookbackBlocks bounds how far back ListIncoming scans. Deposit
// invoices live ~30 minutes, so a few hours of blocks is plenty.
const ethLookbackBlocks = 1200

// EthRPC abstracts the go-ethereum client for testing.
type EthRPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EthereumClient observes native ETH or ERC-20 token deposits via an
// Ethereum JSON-RPC node. One instance serves exactly one chain variant:
// ETH (token == zero address) or USDT_ERC20 (token set).
type EthereumClient struct {
	rpc      EthRPC
	chain    Chain
	token    common.Address // zero address = native ETH
	lookback uint64
}

// EthereumOption configures the client.
type EthereumOption func(*EthereumClient)

// WithEthRPC sets a custom RPC client (useful for testing).
func WithEthRPC(rpc EthRPC) EthereumOption {
	return func(c *EthereumClient) { c.rpc = rpc }
}

// NewEthereumClient creates a native-ETH client.
func NewEthereumClient(rpcURL string, opts ...EthereumOption) (*EthereumClient, error) {
	return newEthClient(rpcURL, ETH, common.Address{}, opts...)
}

// NewERC20Client creates a USDT ERC-20 client for the given token contract.
func NewERC20Client(rpcURL, tokenContract string, opts ...EthereumOption) (*EthereumClient, error) {
	return newEthClient(rpcURL, USDTERC20, common.HexToAddress(tokenContract), opts...)
}

func newEthClient(rpcURL string, chain Chain, token common.Address, opts ...EthereumOption) (*EthereumClient, error) {
	c := &EthereumClient{
		chain:    chain,
		token:    token,
		lookback: ethLookbackBlocks,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rpc == nil {
		rpc, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		c.rpc = rpc
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *EthereumClient) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *EthereumClient) indeterminate(op string, err error) error {
	return &AdapterError{Chain: c.chain, Op: op, Err: err}
}

// ListIncoming returns candidate transactions paying the address within the
// lookback window.
func (c *EthereumClient) ListIncoming(ctx context.Context, address string) ([]Tx, error) {
	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, c.indeterminate("tip", err)
	}

	from := uint64(0)
	if head > c.lookback {
		from = head - c.lookback
	}

	if c.isToken() {
		return c.listTokenTransfers(ctx, address, from, head)
	}
	return c.listNativeTransfers(ctx, address, from, head)
}

func (c *EthereumClient) isToken() bool {
	return c.token != (common.Address{})
}

func (c *EthereumClient) listTokenTransfers(ctx context.Context, address string, from, head uint64) ([]Tx, error) {
	to := common.HexToAddress(address)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.token},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // Any sender
			{common.BytesToHash(to.Bytes())},
		},
	}

	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, c.indeterminate("list", err)
	}

	var txs []Tx
	for _, vLog := range logs {
		if vLog.Removed || len(vLog.Topics) < 3 {
			continue
		}
		amount := new(big.Int).SetBytes(vLog.Data)
		txs = append(txs, Tx{
			Hash:          vLog.TxHash.Hex(),
			To:            strings.ToLower(address),
			Amount:        amount,
			AmountDecimal: FormatAmount(c.chain, amount),
			Confirmations: confirmationsAt(head, vLog.BlockNumber),
		})
	}
	return txs, nil
}

// listNativeTransfers scans recent blocks for value transfers to the
// address. Bounded by the lookback window; deposit addresses are fresh per
// invoice, so matching transactions only appear near the head.
func (c *EthereumClient) listNativeTransfers(ctx context.Context, address string, from, head uint64) ([]Tx, error) {
	target := common.HexToAddress(address)

	var txs []Tx
	for n := head; n >= from && n > 0; n-- {
		block, err := c.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, c.indeterminate("list", err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != target || tx.Value().Sign() <= 0 {
				continue
			}
			amount := new(big.Int).Set(tx.Value())
			txs = append(txs, Tx{
				Hash:          tx.Hash().Hex(),
				To:            strings.ToLower(address),
				Amount:        amount,
				AmountDecimal: FormatAmount(c.chain, amount),
				Confirmations: confirmationsAt(head, n),
			})
		}
	}
	return txs, nil
}

// Verify re-checks a candidate transaction against the chain.
func (c *EthereumClient) Verify(ctx context.Context, tx Tx, expected *big.Int) (Verification, error) {
	if expected == nil || expected.Sign() <= 0 {
		return Verification{}, fmt.Errorf("chain %s: expected amount must be positive", c.chain)
	}

	hash := common.HexToHash(tx.Hash)

	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		// Not found may simply mean unmined; distinguish via TransactionByHash.
		if _, pending, txErr := c.rpc.TransactionByHash(ctx, hash); txErr == nil && pending {
			return Verification{Amount: tx.Amount, Confirmations: 0, Status: "seen"}, nil
		}
		return Verification{}, c.indeterminate("verify", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return Verification{Amount: big.NewInt(0), Status: "seen"}, nil
	}

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return Verification{}, c.indeterminate("tip", err)
	}
	confirmations := confirmationsAt(head, receipt.BlockNumber.Uint64())

	amount, err := c.receivedAmount(ctx, hash, receipt, tx.To)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{
		Amount:        amount,
		Confirmations: confirmations,
		Status:        "seen",
	}
	if confirmations >= c.chain.MinConfirmations() {
		v.Status = "confirmed"
	}
	v.Verified = amount.Cmp(expected) >= 0 && v.Status == "confirmed"
	return v, nil
}

// receivedAmount extracts how much the deposit address actually received
// in the given transaction.
func (c *EthereumClient) receivedAmount(ctx context.Context, hash common.Hash, receipt *types.Receipt, address string) (*big.Int, error) {
	target := common.HexToAddress(address)

	if c.isToken() {
		// Sum Transfer events to the deposit address.
		total := new(big.Int)
		for _, vLog := range receipt.Logs {
			if vLog.Address != c.token || len(vLog.Topics) < 3 {
				continue
			}
			if common.HexToAddress(vLog.Topics[2].Hex()) != target {
				continue
			}
			total.Add(total, new(big.Int).SetBytes(vLog.Data))
		}
		return total, nil
	}

	tx, _, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, c.indeterminate("verify", err)
	}
	if tx.To() == nil || *tx.To() != target {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(tx.Value()), nil
}

func confirmationsAt(head, mined uint64) int64 {
	if mined > head {
		return 0
	}
	return int64(head-mined) + 1
}
