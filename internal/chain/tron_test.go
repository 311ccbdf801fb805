package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	tronTestContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	tronTestAddress  = "TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9"
	tronTestTxID     = "a4c8e9f1b2d3c4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9"
)

// tronStub fakes the three explorer endpoints Verify touches. transfers
// is the raw data array of the TRC-20 listing for tronTestAddress.
func tronStub(t *testing.T, txBlock, headBlock uint64, transfers string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/walletsolidity/gettransactioninfobyid", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"id":%q,"blockNumber":%d,"receipt":{"result":"SUCCESS"}}`, tronTestTxID, txBlock)
	})
	mux.HandleFunc("/walletsolidity/getnowblock", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"block_header":{"raw_data":{"number":%d}}}`, headBlock)
	})
	mux.HandleFunc("/v1/accounts/"+tronTestAddress+"/transactions/trc20", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"data":[%s]}`, transfers)
	})
	return httptest.NewServer(mux)
}

func tronTransfer(txID, value string) string {
	return fmt.Sprintf(`{"transaction_id":%q,"to":%q,"value":%q,"token_info":{"address":%q}}`,
		txID, tronTestAddress, value, tronTestContract)
}

func TestTronVerifyReadsAmountFromChain(t *testing.T) {
	srv := tronStub(t, 1000, 1025, tronTransfer(tronTestTxID, "25000000"))
	defer srv.Close()

	client := NewTronClient(srv.URL, tronTestContract)

	// Bare hash plus address, the shape a webhook candidate arrives in.
	v, err := client.Verify(context.Background(),
		Tx{Hash: tronTestTxID, To: tronTestAddress}, big.NewInt(25000000))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Amount.Cmp(big.NewInt(25000000)) != 0 {
		t.Errorf("amount = %s, want 25000000", v.Amount)
	}
	if v.Confirmations != 26 {
		t.Errorf("confirmations = %d, want 26", v.Confirmations)
	}
	if v.Status != "confirmed" || !v.Verified {
		t.Errorf("status = %q verified = %v, want confirmed/true", v.Status, v.Verified)
	}
}

func TestTronVerifyIgnoresClaimedAmount(t *testing.T) {
	// The hash resolves on chain but the listing shows no transfer to the
	// deposit address, so the claimed amount on the candidate must not
	// count.
	srv := tronStub(t, 1000, 1025, tronTransfer("ffff"+tronTestTxID[4:], "25000000"))
	defer srv.Close()

	client := NewTronClient(srv.URL, tronTestContract)

	v, err := client.Verify(context.Background(),
		Tx{Hash: tronTestTxID, To: tronTestAddress, Amount: big.NewInt(25000000)},
		big.NewInt(25000000))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Amount.Sign() != 0 {
		t.Errorf("amount = %s, want 0", v.Amount)
	}
	if v.Verified {
		t.Error("a transfer absent from the listing must not verify")
	}
}

func TestTronVerifyInsufficientConfirmations(t *testing.T) {
	srv := tronStub(t, 1000, 1005, tronTransfer(tronTestTxID, "25000000"))
	defer srv.Close()

	client := NewTronClient(srv.URL, tronTestContract)

	v, err := client.Verify(context.Background(),
		Tx{Hash: tronTestTxID, To: tronTestAddress}, big.NewInt(25000000))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Status != "seen" || v.Verified {
		t.Errorf("status = %q verified = %v, want seen/false below the threshold", v.Status, v.Verified)
	}
	if v.Amount.Cmp(big.NewInt(25000000)) != 0 {
		t.Errorf("amount = %s, want 25000000", v.Amount)
	}
}

func TestTronVerifyRequiresDestination(t *testing.T) {
	client := NewTronClient("http://localhost:0", tronTestContract)
	if _, err := client.Verify(context.Background(), Tx{Hash: tronTestTxID}, big.NewInt(1)); err == nil {
		t.Fatal("expected error for a candidate without a destination address")
	}
}
