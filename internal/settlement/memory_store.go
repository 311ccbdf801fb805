package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/chainvoice/internal/idgen"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/order"
)

// MemoryStore implements Store over the in-memory invoice, order, and
// inventory stores for development and tests. One coarse mutex serializes
// settlements and expiries, standing in for the database transaction.
type MemoryStore struct {
	mu        sync.Mutex
	invoices  *invoice.MemoryStore
	orders    *order.MemoryStore
	stock     *inventory.MemoryStore
	byHash    map[string]*Payment
	byInvoice map[string][]*Payment
}

// NewMemoryStore creates an in-memory settlement store over the given
// domain stores.
func NewMemoryStore(invoices *invoice.MemoryStore, orders *order.MemoryStore, stock *inventory.MemoryStore) *MemoryStore {
	return &MemoryStore{
		invoices:  invoices,
		orders:    orders,
		stock:     stock,
		byHash:    make(map[string]*Payment),
		byInvoice: make(map[string][]*Payment),
	}
}

func (m *MemoryStore) Settle(ctx context.Context, payment *Payment) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byHash[payment.TxHash]; ok {
		return nil, ErrDuplicateSettlement
	}

	inv, err := m.invoices.Get(ctx, payment.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusPending {
		return nil, ErrInvalidInvoiceState
	}

	var o *order.Order
	if inv.OrderID != "" {
		o, err = m.orders.GetOrder(ctx, inv.OrderID)
		if err != nil {
			return nil, err
		}
		if o.Status != order.OrderPendingPayment {
			return nil, ErrInvalidInvoiceState
		}
		// Check every line item before consuming anything.
		for _, item := range o.Items {
			p, err := m.stock.GetProduct(ctx, item.ProductID)
			if err != nil {
				return nil, err
			}
			if p.StockQuantity < item.Quantity || p.ReservedQuantity < item.Quantity {
				return nil, fmt.Errorf("%w: product %s", ErrStockIntegrity, item.ProductID)
			}
		}
	}

	if err := m.invoices.Transition(ctx, inv.ID, invoice.StatusPending, invoice.StatusPaid); err != nil {
		return nil, ErrInvalidInvoiceState
	}
	if o != nil {
		if err := m.orders.TransitionOrder(ctx, o.ID, order.OrderPendingPayment, order.OrderConfirmed); err != nil {
			return nil, err
		}
		for _, item := range o.Items {
			if err := m.stock.Consume(ctx, item.ProductID, item.Quantity); err != nil {
				return nil, err
			}
		}
	}
	settledAt := time.Now().UTC()
	if inv.SubscriptionID != "" {
		if err := m.orders.TransitionSubscription(ctx, inv.SubscriptionID,
			order.SubscriptionPending, order.SubscriptionActive); err != nil {
			return nil, err
		}
		// The paid period starts at settlement, not at checkout.
		if err := m.orders.SetSubscriptionPeriodEnd(ctx, inv.SubscriptionID,
			settledAt.Add(order.BillingPeriod)); err != nil {
			return nil, err
		}
	}

	if payment.ID == "" {
		payment.ID = idgen.WithPrefix("pay_")
	}
	payment.CreatedAt = settledAt
	cp := *payment
	m.byHash[payment.TxHash] = &cp
	m.byInvoice[payment.InvoiceID] = append(m.byInvoice[payment.InvoiceID], &cp)

	return &Result{
		Payment:        payment,
		OrderID:        inv.OrderID,
		SubscriptionID: inv.SubscriptionID,
	}, nil
}

func (m *MemoryStore) Expire(ctx context.Context, invoiceID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusPending {
		return nil, ErrInvalidInvoiceState
	}
	if err := m.invoices.Transition(ctx, invoiceID, invoice.StatusPending, invoice.StatusExpired); err != nil {
		return nil, ErrInvalidInvoiceState
	}

	if inv.OrderID != "" {
		o, err := m.orders.GetOrder(ctx, inv.OrderID)
		if err == nil && o.Status == order.OrderPendingPayment {
			if err := m.orders.TransitionOrder(ctx, o.ID, order.OrderPendingPayment, order.OrderExpired); err == nil {
				for _, item := range o.Items {
					m.stock.Release(ctx, item.ProductID, item.Quantity)
				}
			}
		}
	}
	if inv.SubscriptionID != "" {
		m.orders.TransitionSubscription(ctx, inv.SubscriptionID,
			order.SubscriptionPending, order.SubscriptionExpired)
	}

	return &Result{
		OrderID:        inv.OrderID,
		SubscriptionID: inv.SubscriptionID,
	}, nil
}

func (m *MemoryStore) ListPayments(_ context.Context, invoiceID string) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payments := m.byInvoice[invoiceID]
	out := make([]*Payment, len(payments))
	for i, p := range payments {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}
