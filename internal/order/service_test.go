package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
)

type stubAllocator struct {
	next int64
	err  error
}

func (a *stubAllocator) Allocate(_ context.Context, c chain.Chain) (string, int64, error) {
	if a.err != nil {
		return "", 0, a.err
	}
	idx := a.next
	a.next++
	return fmt.Sprintf("addr-%s-%d", c, idx), idx, nil
}

type serviceFixture struct {
	svc      *Service
	orders   *MemoryStore
	invoices *invoice.MemoryStore
	stock    *inventory.MemoryStore
	alloc    *stubAllocator
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		orders:   NewMemoryStore(),
		invoices: invoice.NewMemoryStore(),
		stock:    inventory.NewMemoryStore(),
		alloc:    &stubAllocator{},
	}
	f.svc = NewService(f.orders, f.invoices, f.stock, f.alloc, 30*time.Minute)
	return f
}

func (f *serviceFixture) addProduct(t *testing.T, id, price, currency string, stock int64) {
	t.Helper()
	err := f.stock.CreateProduct(context.Background(), &inventory.Product{
		ID:            id,
		Name:          id,
		Price:         price,
		Currency:      currency,
		StockQuantity: stock,
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
}

func (f *serviceFixture) available(t *testing.T, id string) int64 {
	t.Helper()
	p, err := f.stock.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Available()
}

func TestService_CreateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_a", "0.001", "BTC", 10)
	f.addProduct(t, "prod_b", "0.0005", "BTC", 5)

	o, inv, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerRef: "cust_1",
		Chain:       chain.BTC,
		Items: []CreateOrderItem{
			{ProductID: "prod_a", Quantity: 2},
			{ProductID: "prod_b", Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, OrderPendingPayment, o.Status)
	assert.Equal(t, "0.00250000", o.Total)
	assert.Equal(t, "BTC", o.Currency)
	assert.Equal(t, inv.ID, o.InvoiceID)
	assert.Equal(t, o.ID, inv.OrderID)
	assert.Equal(t, o.Total, inv.ExpectedAmount)
	assert.Equal(t, invoice.StatusPending, inv.Status)
	assert.NotEmpty(t, inv.Address)

	// Stock is held, not consumed.
	assert.Equal(t, int64(8), f.available(t, "prod_a"))
	assert.Equal(t, int64(4), f.available(t, "prod_b"))

	stored, err := f.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Address, stored.Address)
}

func TestService_CreateOrder_ReserveFailureReleasesPriorHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_a", "0.001", "BTC", 10)
	f.addProduct(t, "prod_b", "0.001", "BTC", 1)

	_, _, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: chain.BTC,
		Items: []CreateOrderItem{
			{ProductID: "prod_a", Quantity: 3},
			{ProductID: "prod_b", Quantity: 2}, // only 1 in stock
		},
	})
	require.ErrorIs(t, err, inventory.ErrOutOfStock)

	// The hold taken on prod_a before the failure is gone again.
	assert.Equal(t, int64(10), f.available(t, "prod_a"))
	assert.Equal(t, int64(1), f.available(t, "prod_b"))
}

func TestService_CreateOrder_AllocatorFailureReleasesHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_a", "0.001", "BTC", 10)
	f.alloc.err = errors.New("pool exhausted")

	_, _, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: chain.BTC,
		Items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 2}},
	})
	require.Error(t, err)
	assert.Equal(t, int64(10), f.available(t, "prod_a"))
}

func TestService_CreateOrder_CurrencyMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_a", "0.001", "BTC", 10)

	_, _, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: chain.ETH,
		Items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.Equal(t, int64(10), f.available(t, "prod_a"))
}

func TestService_CreateOrder_USDTChainsShareTicker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_usd", "9.99", "USDT", 10)

	for _, c := range []chain.Chain{chain.USDTERC20, chain.USDTTRC20} {
		o, _, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
			Chain: c,
			Items: []CreateOrderItem{{ProductID: "prod_usd", Quantity: 1}},
		})
		require.NoError(t, err, "chain %s", c)
		assert.Equal(t, "USDT", o.Currency)
	}
}

func TestService_CreateOrder_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_a", "0.001", "BTC", 10)

	_, _, err := f.svc.CreateOrder(ctx, CreateOrderRequest{Chain: chain.BTC})
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, _, err = f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: "DOGE",
		Items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}},
	})
	assert.Error(t, err)

	_, _, err = f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: chain.BTC,
		Items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 0}},
	})
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, _, err = f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: chain.BTC,
		Items: []CreateOrderItem{{ProductID: "prod_missing", Quantity: 1}},
	})
	assert.ErrorIs(t, err, inventory.ErrProductNotFound)
}

func TestService_CancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addProduct(t, "prod_a", "0.001", "BTC", 10)

	o, inv, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		Chain: chain.BTC,
		Items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), f.available(t, "prod_a"))

	require.NoError(t, f.svc.CancelOrder(ctx, o.ID))

	got, err := f.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, got.Status)

	gotInv, err := f.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusCancelled, gotInv.Status)

	assert.Equal(t, int64(10), f.available(t, "prod_a"))

	// A second cancel hits the state guard.
	assert.ErrorIs(t, f.svc.CancelOrder(ctx, o.ID), ErrStateConflict)
}

func TestService_CreateSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, inv, err := f.svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		CustomerRef: "cust_1",
		PlanID:      "plan_pro",
		Price:       "25",
		Chain:       chain.USDTTRC20,
	})
	require.NoError(t, err)

	assert.Equal(t, SubscriptionPending, sub.Status)
	assert.Equal(t, "25.000000", sub.Price)
	assert.Equal(t, "USDT", sub.Currency)
	assert.Equal(t, inv.ID, sub.InvoiceID)
	assert.Equal(t, sub.ID, inv.SubscriptionID)
	assert.Empty(t, inv.OrderID)
	assert.True(t, sub.CurrentPeriodEnd.After(time.Now()))

	_, _, err = f.svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		PlanID: "plan_pro", Price: "0", Chain: chain.USDTTRC20,
	})
	assert.ErrorIs(t, err, invoice.ErrInvalidAmount)

	_, _, err = f.svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		Price: "25", Chain: chain.USDTTRC20,
	})
	assert.Error(t, err)
}
