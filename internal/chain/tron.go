package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/chainvoice/internal/retry"
)

// TronClient observes USDT TRC-20 deposits through a TronGrid-compatible
// explorer API.
type TronClient struct {
	base     string
	contract string
	http     *http.Client
}

// NewTronClient creates a TRC-20 client for the given token contract.
func NewTronClient(baseURL, tokenContract string) *TronClient {
	return &TronClient{
		base:     strings.TrimRight(baseURL, "/"),
		contract: tokenContract,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// trc20Page mirrors the TronGrid TRC-20 transfer listing.
type trc20Page struct {
	Data []struct {
		TransactionID string `json:"transaction_id"`
		To            string `json:"to"`
		Value         string `json:"value"` // token base units, decimal string
		TokenInfo     struct {
			Address string `json:"address"`
		} `json:"token_info"`
	} `json:"data"`
}

// tronTxInfo mirrors the solidity-node transaction info lookup.
type tronTxInfo struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"blockNumber"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

type tronBlock struct {
	BlockHeader struct {
		RawData struct {
			Number uint64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

// ListIncoming returns candidate TRC-20 transfers paying the address.
func (c *TronClient) ListIncoming(ctx context.Context, address string) ([]Tx, error) {
	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_to=true&only_confirmed=true&contract_address=%s&limit=50",
		address, c.contract)

	var page trc20Page
	if err := c.getJSON(ctx, "list", path, &page); err != nil {
		return nil, err
	}

	head, err := c.nowBlock(ctx)
	if err != nil {
		return nil, err
	}

	var txs []Tx
	for _, transfer := range page.Data {
		if !strings.EqualFold(transfer.To, address) {
			continue
		}
		if transfer.TokenInfo.Address != "" && !strings.EqualFold(transfer.TokenInfo.Address, c.contract) {
			continue
		}
		amount, ok := new(big.Int).SetString(transfer.Value, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}

		info, err := c.txInfo(ctx, transfer.TransactionID)
		if err != nil {
			return nil, err
		}
		txs = append(txs, Tx{
			Hash:          transfer.TransactionID,
			To:            address,
			Amount:        amount,
			AmountDecimal: FormatAmount(USDTTRC20, amount),
			Confirmations: confirmationsAt(head, info.BlockNumber),
		})
	}
	return txs, nil
}

// Verify re-checks a candidate transfer against the explorer. The amount
// is always read from the transfer listing on chain; whatever the caller
// put on the candidate carries no weight.
func (c *TronClient) Verify(ctx context.Context, tx Tx, expected *big.Int) (Verification, error) {
	if expected == nil || expected.Sign() <= 0 {
		return Verification{}, fmt.Errorf("chain %s: expected amount must be positive", USDTTRC20)
	}
	if tx.To == "" {
		return Verification{}, fmt.Errorf("chain %s: destination address required", USDTTRC20)
	}

	info, err := c.txInfo(ctx, tx.Hash)
	if err != nil {
		return Verification{}, err
	}
	if info.ID == "" || info.BlockNumber == 0 {
		// Not yet indexed by the solidity node.
		return Verification{Amount: big.NewInt(0), Confirmations: 0, Status: "seen"}, nil
	}
	if info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS" {
		return Verification{Amount: big.NewInt(0), Status: "seen"}, nil
	}

	amount, err := c.transferAmount(ctx, tx.To, tx.Hash)
	if err != nil {
		return Verification{}, err
	}

	head, err := c.nowBlock(ctx)
	if err != nil {
		return Verification{}, err
	}
	confirmations := confirmationsAt(head, info.BlockNumber)

	v := Verification{
		Amount:        amount,
		Confirmations: confirmations,
		Status:        "seen",
	}
	if confirmations >= USDTTRC20.MinConfirmations() {
		v.Status = "confirmed"
	}
	v.Verified = amount.Cmp(expected) >= 0 && v.Status == "confirmed"
	return v, nil
}

// transferAmount sums the TRC-20 value the transaction credited to the
// address, read from the explorer's transfer listing.
func (c *TronClient) transferAmount(ctx context.Context, address, txID string) (*big.Int, error) {
	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_to=true&contract_address=%s&limit=200",
		address, c.contract)

	var page trc20Page
	if err := c.getJSON(ctx, "verify", path, &page); err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, transfer := range page.Data {
		if !strings.EqualFold(transfer.TransactionID, txID) {
			continue
		}
		if !strings.EqualFold(transfer.To, address) {
			continue
		}
		if transfer.TokenInfo.Address != "" && !strings.EqualFold(transfer.TokenInfo.Address, c.contract) {
			continue
		}
		value, ok := new(big.Int).SetString(transfer.Value, 10)
		if !ok || value.Sign() <= 0 {
			continue
		}
		total.Add(total, value)
	}
	return total, nil
}

func (c *TronClient) txInfo(ctx context.Context, txID string) (*tronTxInfo, error) {
	body, err := c.post(ctx, "verify", "/walletsolidity/gettransactioninfobyid",
		fmt.Sprintf(`{"value":%q}`, txID))
	if err != nil {
		return nil, err
	}
	var info tronTxInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &AdapterError{Chain: USDTTRC20, Op: "verify", Err: err}
	}
	return &info, nil
}

func (c *TronClient) nowBlock(ctx context.Context) (uint64, error) {
	body, err := c.post(ctx, "tip", "/walletsolidity/getnowblock", "")
	if err != nil {
		return 0, err
	}
	var block tronBlock
	if err := json.Unmarshal(body, &block); err != nil {
		return 0, &AdapterError{Chain: USDTTRC20, Op: "tip", Err: err}
	}
	return block.BlockHeader.RawData.Number, nil
}

func (c *TronClient) getJSON(ctx context.Context, op, path string, out interface{}) error {
	body, err := c.do(ctx, op, http.MethodGet, path, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &AdapterError{Chain: USDTTRC20, Op: op, Err: err}
	}
	return nil
}

func (c *TronClient) post(ctx context.Context, op, path, payload string) ([]byte, error) {
	return c.do(ctx, op, http.MethodPost, path, payload)
}

// do performs an explorer request with backoff on rate limits and
// transient server failures.
func (c *TronClient) do(ctx context.Context, op, method, path, payload string) ([]byte, error) {
	var body []byte
	rateLimited := false

	err := retry.Do(ctx, 4, 500*time.Millisecond, func() error {
		var reqBody io.Reader
		if payload != "" {
			reqBody = strings.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
		if err != nil {
			return retry.Permanent(err)
		}
		if payload != "" {
			req.Header.Set("Content-Type", "application/json")
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
		return nil, &AdapterError{Chain: USDTTRC20, Op: op, RateLimited: rateLimited, Err: err}
	}
	return body, nil
}
