package order_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/order"
	"github.com/mbd888/chainvoice/internal/settlement"
	"github.com/mbd888/chainvoice/internal/testutil"
	"github.com/mbd888/chainvoice/internal/verify"
	"github.com/mbd888/chainvoice/internal/webhook"
)

const (
	pgBTCDeposit  = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	pgTronDeposit = "TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9"
	pgBTCTxHash   = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	pgTronTxHash  = "a4c8e9f1b2d3c4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9"
)

// pgAllocator hands out one fixed address per chain with sequential
// indices, standing in for the wallet allocator.
type pgAllocator struct {
	addrs map[chain.Chain]string
	next  int64
}

func (a *pgAllocator) Allocate(_ context.Context, c chain.Chain) (string, int64, error) {
	addr, ok := a.addrs[c]
	if !ok {
		return "", 0, fmt.Errorf("no address for chain %s", c)
	}
	idx := a.next
	a.next++
	return addr, idx, nil
}

// pgCheckout wires the order service and the full webhook settlement
// path over the Postgres stores.
type pgCheckout struct {
	svc      *order.Service
	stock    *inventory.PostgresStore
	invoices *invoice.PostgresStore
	orders   *order.PostgresStore
	ingestor *webhook.Ingestor
	fakes    map[chain.Chain]*chain.FakeClient
}

func newPGCheckout(t *testing.T) (*pgCheckout, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	stock := inventory.NewPostgresStore(db)
	invoices := invoice.NewPostgresStore(db)
	orders := order.NewPostgresStore(db)

	alloc := &pgAllocator{addrs: map[chain.Chain]string{
		chain.BTC:       pgBTCDeposit,
		chain.USDTTRC20: pgTronDeposit,
	}}
	svc := order.NewService(orders, invoices, stock, alloc, time.Hour)

	applier := settlement.NewApplier(settlement.NewPostgresStore(db), invoices, nil)
	coord := verify.NewCoordinator(applier, invoices)
	fakes := make(map[chain.Chain]*chain.FakeClient)
	for _, c := range []chain.Chain{chain.BTC, chain.USDTTRC20} {
		fakes[c] = chain.NewFakeClient(c)
		coord.Register(c, fakes[c])
	}

	return &pgCheckout{
		svc:      svc,
		stock:    stock,
		invoices: invoices,
		orders:   orders,
		ingestor: webhook.NewIngestor(coord, invoices),
		fakes:    fakes,
	}, cleanup
}

func TestPostgresCheckoutAndWebhookSettlement(t *testing.T) {
	fx, cleanup := newPGCheckout(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.stock.CreateProduct(ctx, &inventory.Product{
		ID:            "prod_1",
		Name:          "Widget",
		Price:         "0.001",
		Currency:      "BTC",
		StockQuantity: 10,
		CreatedAt:     time.Now().UTC(),
	}))

	o, inv, err := fx.svc.CreateOrder(ctx, order.CreateOrderRequest{
		Chain: chain.BTC,
		Items: []order.CreateOrderItem{{ProductID: "prod_1", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, order.OrderPendingPayment, o.Status)
	assert.Equal(t, invoice.StatusPending, inv.Status)
	assert.Equal(t, pgBTCDeposit, inv.Address)

	p, err := fx.stock.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.ReservedQuantity)

	expected, ok := chain.ParseAmount(chain.BTC, inv.ExpectedAmount)
	require.True(t, ok)
	fx.fakes[chain.BTC].AddTx(pgBTCDeposit, chain.Tx{
		Hash:          pgBTCTxHash,
		To:            pgBTCDeposit,
		Amount:        expected,
		Confirmations: 2,
	})

	report, err := fx.ingestor.Process(ctx, webhook.Event{
		Chain:   "BTC",
		Address: pgBTCDeposit,
		TxHash:  pgBTCTxHash,
	})
	require.NoError(t, err)
	assert.Equal(t, verify.OutcomeMatched, report.Outcome)

	settled, err := fx.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, settled.Status)

	got, err := fx.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderConfirmed, got.Status)

	p, err = fx.stock.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.StockQuantity)
	assert.Equal(t, int64(0), p.ReservedQuantity)
}

func TestPostgresSubscriptionCheckoutAndSettlement(t *testing.T) {
	fx, cleanup := newPGCheckout(t)
	defer cleanup()
	ctx := context.Background()

	sub, inv, err := fx.svc.CreateSubscription(ctx, order.CreateSubscriptionRequest{
		PlanID: "plan_pro",
		Price:  "25",
		Chain:  chain.USDTTRC20,
	})
	require.NoError(t, err)
	assert.Equal(t, order.SubscriptionPending, sub.Status)
	assert.Equal(t, "25.000000", inv.ExpectedAmount)

	expected, ok := chain.ParseAmount(chain.USDTTRC20, inv.ExpectedAmount)
	require.True(t, ok)
	fx.fakes[chain.USDTTRC20].AddTx(pgTronDeposit, chain.Tx{
		Hash:          pgTronTxHash,
		To:            pgTronDeposit,
		Amount:        expected,
		Confirmations: 20,
	})

	report, err := fx.ingestor.Process(ctx, webhook.Event{
		Chain:   "USDT_TRC20",
		Address: pgTronDeposit,
		TxHash:  pgTronTxHash,
	})
	require.NoError(t, err)
	assert.Equal(t, verify.OutcomeMatched, report.Outcome)

	active, err := fx.orders.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, order.SubscriptionActive, active.Status)

	// The paid period runs from settlement, not from checkout.
	minEnd := time.Now().UTC().Add(order.BillingPeriod - time.Minute)
	assert.True(t, active.CurrentPeriodEnd.After(minEnd),
		"period end %v should start from the settlement instant", active.CurrentPeriodEnd)
}
