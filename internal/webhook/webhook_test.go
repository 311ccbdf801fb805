package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/order"
	"github.com/mbd888/chainvoice/internal/settlement"
	"github.com/mbd888/chainvoice/internal/verify"
)

const (
	depositAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	goodHash    = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

type hookFixture struct {
	invoices *invoice.MemoryStore
	client   *chain.FakeClient
	ingestor *Ingestor
}

func newHookFixture(t *testing.T) *hookFixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	f := &hookFixture{
		invoices: invoice.NewMemoryStore(),
		client:   chain.NewFakeClient(chain.BTC),
	}
	orders := order.NewMemoryStore()
	stock := inventory.NewMemoryStore()
	store := settlement.NewMemoryStore(f.invoices, orders, stock)
	applier := settlement.NewApplier(store, f.invoices, nil)
	coord := verify.NewCoordinator(applier, f.invoices)
	coord.Register(chain.BTC, f.client)
	f.ingestor = NewIngestor(coord, f.invoices)

	require.NoError(t, orders.CreateSubscription(ctx, &order.Subscription{
		ID: "sub_1", PlanID: "plan_basic", Price: "0.00100000", Currency: "BTC",
		Chain: chain.BTC, Status: order.SubscriptionPending,
		CurrentPeriodEnd: now.Add(30 * 24 * time.Hour), CreatedAt: now,
	}))
	require.NoError(t, f.invoices.Create(ctx, &invoice.Invoice{
		ID: "inv_1", SubscriptionID: "sub_1", Chain: chain.BTC, Address: depositAddr,
		ExpectedAmount: "0.00100000", Currency: "BTC",
		Status: invoice.StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
	return f
}

func TestIngestor_Process_Malformed(t *testing.T) {
	ctx := context.Background()
	f := newHookFixture(t)

	cases := []struct {
		name string
		ev   Event
	}{
		{"unknown chain", Event{Chain: "DOGE", Address: depositAddr, TxHash: goodHash}},
		{"bad address", Event{Chain: "BTC", Address: "not-an-address", TxHash: goodHash}},
		{"missing address", Event{Chain: "BTC", TxHash: goodHash}},
		{"bad hash", Event{Chain: "BTC", Address: depositAddr, TxHash: "zzzz"}},
		{"evm-prefixed hash on btc", Event{Chain: "BTC", Address: depositAddr, TxHash: "0x" + goodHash}},
		{"missing hash", Event{Chain: "BTC", Address: depositAddr}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ingestor.Process(ctx, tc.ev)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestIngestor_Process_Ignored(t *testing.T) {
	ctx := context.Background()
	f := newHookFixture(t)

	// Unknown address.
	_, err := f.ingestor.Process(ctx, Event{
		Chain: "BTC", Address: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", TxHash: goodHash,
	})
	assert.ErrorIs(t, err, ErrIgnored)

	// Non-pending invoice.
	require.NoError(t, f.invoices.Cancel(ctx, "inv_1"))
	_, err = f.ingestor.Process(ctx, Event{Chain: "BTC", Address: depositAddr, TxHash: goodHash})
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestIngestor_Process_SettlesVerifiedClaim(t *testing.T) {
	ctx := context.Background()
	f := newHookFixture(t)
	f.client.AddTx(depositAddr, chain.Tx{Hash: goodHash, Amount: big.NewInt(100_000), Confirmations: 2})

	report, err := f.ingestor.Process(ctx, Event{
		Chain:   "BTC",
		Address: depositAddr,
		TxHash:  goodHash,
		// The claimed amount is a lie and must be ignored.
		Amount: "99.0",
	})
	require.NoError(t, err)
	assert.Equal(t, verify.OutcomeMatched, report.Outcome)

	got, err := f.invoices.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, got.Status)
}

func TestIngestor_Process_FabricatedHashSettlesNothing(t *testing.T) {
	ctx := context.Background()
	f := newHookFixture(t)

	report, err := f.ingestor.Process(ctx, Event{Chain: "BTC", Address: depositAddr, TxHash: goodHash})
	require.NoError(t, err)
	assert.Equal(t, verify.OutcomeNoTransaction, report.Outcome)

	got, err := f.invoices.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, got.Status)
}

func newHookRouter(f *hookFixture, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.ingestor, token).RegisterRoutes(r.Group("/v1"))
	return r
}

func postHook(r *gin.Engine, ev Event, header, value string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(ev)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Receive_Auth(t *testing.T) {
	f := newHookFixture(t)
	r := newHookRouter(f, "hooksecret")
	ev := Event{Chain: "BTC", Address: depositAddr, TxHash: goodHash}

	w := postHook(r, ev, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postHook(r, ev, "X-Webhook-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postHook(r, ev, "X-Webhook-Token", "hooksecret")
	assert.Equal(t, http.StatusOK, w.Code)

	// Bearer form works too.
	w = postHook(r, ev, "Authorization", "Bearer hooksecret")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Receive_DisabledWithoutToken(t *testing.T) {
	f := newHookFixture(t)
	r := newHookRouter(f, "")

	w := postHook(r, Event{Chain: "BTC", Address: depositAddr, TxHash: goodHash}, "X-Webhook-Token", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_Receive_Flow(t *testing.T) {
	f := newHookFixture(t)
	f.client.AddTx(depositAddr, chain.Tx{Hash: goodHash, Amount: big.NewInt(100_000), Confirmations: 2})
	r := newHookRouter(f, "hooksecret")

	w := postHook(r, Event{Chain: "BTC", Address: depositAddr, TxHash: goodHash}, "X-Webhook-Token", "hooksecret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"matched"`)

	// Malformed payloads get a 400.
	w = postHook(r, Event{Chain: "DOGE", Address: depositAddr, TxHash: goodHash}, "X-Webhook-Token", "hooksecret")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Replays of the settled hash are acknowledged and dropped.
	w = postHook(r, Event{Chain: "BTC", Address: depositAddr, TxHash: goodHash}, "X-Webhook-Token", "hooksecret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ignored"`)
}

func TestHandler_Receive_BadBody(t *testing.T) {
	f := newHookFixture(t)
	r := newHookRouter(f, "hooksecret")

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Token", "hooksecret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
