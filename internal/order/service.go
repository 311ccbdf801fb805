package order

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/idgen"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/metrics"
)

var ErrCurrencyMismatch = errors.New("product currency does not match the payment chain")

// AddressAllocator hands out a fresh deposit address for a chain.
type AddressAllocator interface {
	Allocate(ctx context.Context, c chain.Chain) (address string, index int64, err error)
}

// Service runs the checkout flow: reserve stock, allocate a deposit
// address, and open an invoice. Reservations taken before any failure are
// released again, so a rejected checkout leaves inventory untouched.
type Service struct {
	store      Store
	invoices   invoice.Store
	stock      inventory.Store
	addresses  AddressAllocator
	invoiceTTL time.Duration
}

// NewService creates an order service. invoiceTTL bounds how long a
// deposit address stays payable.
func NewService(store Store, invoices invoice.Store, stock inventory.Store, addresses AddressAllocator, invoiceTTL time.Duration) *Service {
	return &Service{
		store:      store,
		invoices:   invoices,
		stock:      stock,
		addresses:  addresses,
		invoiceTTL: invoiceTTL,
	}
}

// CreateOrderRequest is the checkout input.
type CreateOrderRequest struct {
	CustomerRef string            `json:"customerRef"`
	Chain       chain.Chain       `json:"chain"`
	Items       []CreateOrderItem `json:"items"`
}

// CreateOrderItem names a product and quantity to purchase.
type CreateOrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// CreateOrder reserves stock for every line item, allocates a deposit
// address, and opens a pending invoice for the order total.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, *invoice.Invoice, error) {
	if !req.Chain.Valid() {
		return nil, nil, fmt.Errorf("unknown chain %q", req.Chain)
	}
	if len(req.Items) == 0 {
		return nil, nil, ErrEmptyOrder
	}

	ticker := currencyFor(req.Chain)
	total := new(big.Int)
	items := make([]LineItem, 0, len(req.Items))

	// Price the order before touching any reservation counters.
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, nil, inventory.ErrInvalidQuantity
		}
		product, err := s.stock.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, nil, err
		}
		if product.Currency != ticker {
			return nil, nil, ErrCurrencyMismatch
		}
		unit, ok := chain.ParseAmount(req.Chain, product.Price)
		if !ok {
			return nil, nil, fmt.Errorf("product %s has unparseable price %q", product.ID, product.Price)
		}
		total.Add(total, new(big.Int).Mul(unit, big.NewInt(item.Quantity)))
		items = append(items, LineItem{
			ProductID: product.ID,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		})
	}

	// Reserve line by line; undo everything taken so far on the first
	// failure so a losing checkout holds nothing.
	var reserved []LineItem
	for _, item := range items {
		if err := s.stock.Reserve(ctx, item.ProductID, item.Quantity); err != nil {
			s.releaseAll(ctx, reserved)
			metrics.ReservationsTotal.WithLabelValues("reserve_failed").Inc()
			return nil, nil, err
		}
		reserved = append(reserved, item)
		metrics.ReservationsTotal.WithLabelValues("reserve").Inc()
	}

	now := time.Now().UTC()
	orderID := idgen.WithPrefix("ord_")
	invoiceID := idgen.WithPrefix("inv_")
	totalAmount := chain.FormatAmount(req.Chain, total)

	address, addressIndex, err := s.addresses.Allocate(ctx, req.Chain)
	if err != nil {
		s.releaseAll(ctx, reserved)
		return nil, nil, fmt.Errorf("failed to allocate deposit address: %w", err)
	}

	// The invoice row references the order, so the order is persisted
	// first.
	o := &Order{
		ID:          orderID,
		CustomerRef: req.CustomerRef,
		Items:       items,
		Total:       totalAmount,
		Currency:    ticker,
		Chain:       req.Chain,
		Status:      OrderPendingPayment,
		InvoiceID:   invoiceID,
		CreatedAt:   now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		s.releaseAll(ctx, reserved)
		return nil, nil, fmt.Errorf("failed to create order: %w", err)
	}

	inv := &invoice.Invoice{
		ID:             invoiceID,
		OrderID:        orderID,
		Chain:          req.Chain,
		Address:        address,
		AddressIndex:   addressIndex,
		ExpectedAmount: totalAmount,
		Currency:       ticker,
		Status:         invoice.StatusPending,
		ExpiresAt:      now.Add(s.invoiceTTL),
		CreatedAt:      now,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		s.releaseAll(ctx, reserved)
		if cancelErr := s.store.TransitionOrder(ctx, orderID, OrderPendingPayment, OrderCancelled); cancelErr != nil {
			logging.L(ctx).Error("failed to cancel order after invoice failure",
				"order_id", orderID, "error", cancelErr)
		}
		return nil, nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	logging.L(ctx).Info("order created",
		"order_id", o.ID, "invoice_id", inv.ID, "chain", req.Chain,
		"total", o.Total, "expires_at", inv.ExpiresAt)
	return o, inv, nil
}

// CancelOrder voids an unpaid order, its invoice, and its reservations.
func (s *Service) CancelOrder(ctx context.Context, id string) error {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.TransitionOrder(ctx, id, OrderPendingPayment, OrderCancelled); err != nil {
		return err
	}
	if o.InvoiceID != "" {
		if err := s.invoices.Cancel(ctx, o.InvoiceID); err != nil && !errors.Is(err, invoice.ErrNotFound) {
			logging.L(ctx).Error("failed to cancel invoice for cancelled order",
				"order_id", id, "invoice_id", o.InvoiceID, "error", err)
		}
	}
	s.releaseAll(ctx, o.Items)
	logging.L(ctx).Info("order cancelled", "order_id", id)
	return nil
}

// GetOrder returns an order by ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// CreateSubscriptionRequest is the subscription checkout input.
type CreateSubscriptionRequest struct {
	CustomerRef string      `json:"customerRef"`
	PlanID      string      `json:"planId"`
	Price       string      `json:"price"`
	Chain       chain.Chain `json:"chain"`
}

// CreateSubscription opens a pending subscription and the invoice for its
// first billing period. No inventory is involved.
func (s *Service) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, *invoice.Invoice, error) {
	if !req.Chain.Valid() {
		return nil, nil, fmt.Errorf("unknown chain %q", req.Chain)
	}
	if req.PlanID == "" {
		return nil, nil, errors.New("plan id is required")
	}
	price, ok := chain.ParseAmount(req.Chain, req.Price)
	if !ok || price.Sign() <= 0 {
		return nil, nil, invoice.ErrInvalidAmount
	}

	now := time.Now().UTC()
	subID := idgen.WithPrefix("sub_")
	invoiceID := idgen.WithPrefix("inv_")
	priceAmount := chain.FormatAmount(req.Chain, price)

	address, addressIndex, err := s.addresses.Allocate(ctx, req.Chain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate deposit address: %w", err)
	}

	// The invoice row references the subscription, so the subscription is
	// persisted first. The period end set here is provisional; settlement
	// restarts the period from the payment instant.
	sub := &Subscription{
		ID:               subID,
		CustomerRef:      req.CustomerRef,
		PlanID:           req.PlanID,
		Price:            priceAmount,
		Currency:         currencyFor(req.Chain),
		Chain:            req.Chain,
		Status:           SubscriptionPending,
		InvoiceID:        invoiceID,
		CurrentPeriodEnd: now.Add(BillingPeriod),
		CreatedAt:        now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	inv := &invoice.Invoice{
		ID:             invoiceID,
		SubscriptionID: subID,
		Chain:          req.Chain,
		Address:        address,
		AddressIndex:   addressIndex,
		ExpectedAmount: priceAmount,
		Currency:       sub.Currency,
		Status:         invoice.StatusPending,
		ExpiresAt:      now.Add(s.invoiceTTL),
		CreatedAt:      now,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		if cancelErr := s.store.TransitionSubscription(ctx, subID, SubscriptionPending, SubscriptionCancelled); cancelErr != nil {
			logging.L(ctx).Error("failed to cancel subscription after invoice failure",
				"subscription_id", subID, "error", cancelErr)
		}
		return nil, nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	logging.L(ctx).Info("subscription created",
		"subscription_id", sub.ID, "invoice_id", inv.ID, "plan_id", req.PlanID)
	return sub, inv, nil
}

// GetSubscription returns a subscription by ID.
func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

func (s *Service) releaseAll(ctx context.Context, items []LineItem) {
	for _, item := range items {
		if err := s.stock.Release(ctx, item.ProductID, item.Quantity); err != nil {
			logging.L(ctx).Error("failed to release reservation",
				"product_id", item.ProductID, "quantity", item.Quantity, "error", err)
			continue
		}
		metrics.ReservationsTotal.WithLabelValues("release").Inc()
	}
}

func currencyFor(c chain.Chain) string {
	switch c {
	case chain.BTC:
		return "BTC"
	case chain.ETH:
		return "ETH"
	case chain.USDTERC20, chain.USDTTRC20:
		return "USDT"
	case chain.LTC:
		return "LTC"
	}
	return string(c)
}
