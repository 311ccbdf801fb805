package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/chainvoice/internal/retry"
)

// EsploraClient observes Bitcoin-family deposits through an Esplora-
// compatible explorer API (Blockstream, mempool.space, litecoinspace).
// One instance serves either BTC or LTC.
type EsploraClient struct {
	base  string
	chain Chain
	http  *http.Client
}

// NewEsploraClient creates an explorer client for BTC or LTC.
func NewEsploraClient(baseURL string, c Chain) (*EsploraClient, error) {
	if c != BTC && c != LTC {
		return nil, fmt.Errorf("chain: esplora client does not serve %s", c)
	}
	return &EsploraClient{
		base:  strings.TrimRight(baseURL, "/"),
		chain: c,
		http:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// esploraTx mirrors the subset of the Esplora transaction format we read.
type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"` // satoshis
	} `json:"vout"`
}

// ListIncoming returns candidate transactions paying the address.
func (c *EsploraClient) ListIncoming(ctx context.Context, address string) ([]Tx, error) {
	tip, err := c.tipHeight(ctx)
	if err != nil {
		return nil, err
	}

	var raw []esploraTx
	if err := c.getJSON(ctx, "list", "/address/"+address+"/txs", &raw); err != nil {
		return nil, err
	}

	var txs []Tx
	for _, rtx := range raw {
		amount := big.NewInt(0)
		for _, out := range rtx.Vout {
			if out.ScriptPubKeyAddress == address {
				amount.Add(amount, big.NewInt(out.Value))
			}
		}
		if amount.Sign() <= 0 {
			continue
		}
		var confirmations int64
		if rtx.Status.Confirmed {
			confirmations = confirmationsAt(tip, rtx.Status.BlockHeight)
		}
		txs = append(txs, Tx{
			Hash:          rtx.TxID,
			To:            address,
			Amount:        amount,
			AmountDecimal: FormatAmount(c.chain, amount),
			Confirmations: confirmations,
		})
	}
	return txs, nil
}

// Verify re-checks a candidate transaction against the explorer.
func (c *EsploraClient) Verify(ctx context.Context, tx Tx, expected *big.Int) (Verification, error) {
	if expected == nil || expected.Sign() <= 0 {
		return Verification{}, fmt.Errorf("chain %s: expected amount must be positive", c.chain)
	}

	var rtx esploraTx
	if err := c.getJSON(ctx, "verify", "/tx/"+tx.Hash, &rtx); err != nil {
		return Verification{}, err
	}

	amount := big.NewInt(0)
	for _, out := range rtx.Vout {
		if out.ScriptPubKeyAddress == tx.To {
			amount.Add(amount, big.NewInt(out.Value))
		}
	}

	var confirmations int64
	if rtx.Status.Confirmed {
		tip, err := c.tipHeight(ctx)
		if err != nil {
			return Verification{}, err
		}
		confirmations = confirmationsAt(tip, rtx.Status.BlockHeight)
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

func (c *EsploraClient) tipHeight(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, "tip", "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, perr := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if perr != nil {
		return 0, &AdapterError{Chain: c.chain, Op: "tip", Err: perr}
	}
	return height, nil
}

func (c *EsploraClient) getJSON(ctx context.Context, op, path string, out interface{}) error {
	body, err := c.get(ctx, op, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &AdapterError{Chain: c.chain, Op: op, Err: err}
	}
	return nil
}

// get fetches a path from the explorer, retrying rate-limit and transient
// server failures with backoff. Anything still failing after retries is an
// indeterminate adapter outcome, never "no payment".
func (c *EsploraClient) get(ctx context.Context, op, path string) ([]byte, error) {
	var body []byte
	rateLimited := false

	err := retry.Do(ctx, 4, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			rateLimited = true
			return fmt.Errorf("explorer returned 429")
		case resp.StatusCode >= 500:
			return fmt.Errorf("explorer returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("explorer returned %d", resp.StatusCode))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		return err
	})
	if err != nil {
		return nil, &AdapterError{Chain: c.chain, Op: op, RateLimited: rateLimited, Err: err}
	}
	return body, nil
}
