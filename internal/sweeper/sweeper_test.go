package sweeper

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/circuitbreaker"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/order"
	"github.com/mbd888/chainvoice/internal/settlement"
	"github.com/mbd888/chainvoice/internal/verify"
)

type sweepFixture struct {
	invoices *invoice.MemoryStore
	orders   *order.MemoryStore
	client   *chain.FakeClient
	breaker  *circuitbreaker.Breaker
	sweeper  *Sweeper
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{
		invoices: invoice.NewMemoryStore(),
		orders:   order.NewMemoryStore(),
		client:   chain.NewFakeClient(chain.BTC),
		breaker:  circuitbreaker.New(2, time.Minute),
	}
	stock := inventory.NewMemoryStore()
	store := settlement.NewMemoryStore(f.invoices, f.orders, stock)
	applier := settlement.NewApplier(store, f.invoices, nil)
	coord := verify.NewCoordinator(applier, f.invoices)
	coord.Register(chain.BTC, f.client)
	f.sweeper = New(coord, f.invoices, f.breaker, 2)
	return f
}

func (f *sweepFixture) addPending(t *testing.T, invID, subID, address string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.orders.CreateSubscription(ctx, &order.Subscription{
		ID: subID, PlanID: "plan_basic", Price: "0.00100000", Currency: "BTC",
		Chain: chain.BTC, Status: order.SubscriptionPending,
		CurrentPeriodEnd: now.Add(30 * 24 * time.Hour), CreatedAt: now,
	}))
	require.NoError(t, f.invoices.Create(ctx, &invoice.Invoice{
		ID: invID, SubscriptionID: subID, Chain: chain.BTC, Address: address,
		ExpectedAmount: "0.00100000", Currency: "BTC",
		Status: invoice.StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
}

func TestSweeper_SweepChainSettlesPayments(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addPending(t, "inv_1", "sub_1", "bc1qone")
	f.addPending(t, "inv_2", "sub_2", "bc1qtwo")
	f.client.AddTx("bc1qone", chain.Tx{Hash: "tx1", Amount: big.NewInt(100_000), Confirmations: 2})

	checked := f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())
	assert.Equal(t, 2, checked)

	paid, err := f.invoices.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, paid.Status)

	unpaid, err := f.invoices.Get(ctx, "inv_2")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, unpaid.Status)

	// A settled invoice drops out of the next pass.
	checked = f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())
	assert.Equal(t, 1, checked)
}

func TestSweeper_IndeterminatePassTripsBreaker(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addPending(t, "inv_1", "sub_1", "bc1qone")
	f.client.FailWith(errors.New("explorer down"))

	// Threshold is 2: two all-indeterminate passes open the circuit.
	f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())
	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.State("BTC"))
	f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.State("BTC"))

	// With the circuit open the chain is skipped entirely.
	checked := f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())
	assert.Equal(t, 0, checked)
}

func TestSweeper_SuccessfulPassResetsBreaker(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addPending(t, "inv_1", "sub_1", "bc1qone")

	f.client.FailWith(errors.New("explorer down"))
	f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())

	f.client.FailWith(nil)
	f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())

	// The earlier failure no longer counts toward the threshold.
	f.client.FailWith(errors.New("explorer down"))
	f.sweeper.SweepChain(ctx, chain.BTC, time.Now().UTC())
	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.State("BTC"))
}

func TestSweeper_SweepCoversRegisteredChains(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addPending(t, "inv_1", "sub_1", "bc1qone")
	f.client.AddTx("bc1qone", chain.Tx{Hash: "tx1", Amount: big.NewInt(100_000), Confirmations: 2})

	f.sweeper.Sweep(ctx, time.Now().UTC())

	paid, err := f.invoices.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, paid.Status)
}
