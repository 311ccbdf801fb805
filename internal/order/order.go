// Package order manages orders, subscriptions, and their checkout flow.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/chainvoice/internal/chain"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrEmptyOrder    = errors.New("order must contain at least one item")
	ErrStateConflict = errors.New("order is not in the required state")
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderExpired        OrderStatus = "expired"
)

// LineItem is one product position on an order. UnitPrice is captured at
// order time so later catalog edits do not change what was owed.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

// Order is a purchase awaiting (or having received) crypto payment.
type Order struct {
	ID          string      `json:"id"`
	CustomerRef string      `json:"customerRef,omitempty"`
	Items       []LineItem  `json:"items"`
	Total       string      `json:"total"`
	Currency    string      `json:"currency"`
	Chain       chain.Chain `json:"chain"`
	Status      OrderStatus `json:"status"`
	InvoiceID   string      `json:"invoiceId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// BillingPeriod is the length of one paid subscription period. The
// period runs from the settlement instant, not from checkout.
const BillingPeriod = 30 * 24 * time.Hour

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is a recurring entitlement paid one period at a time.
type Subscription struct {
	ID               string             `json:"id"`
	CustomerRef      string             `json:"customerRef,omitempty"`
	PlanID           string             `json:"planId"`
	Price            string             `json:"price"`
	Currency         string             `json:"currency"`
	Chain            chain.Chain        `json:"chain"`
	Status           SubscriptionStatus `json:"status"`
	InvoiceID        string             `json:"invoiceId,omitempty"`
	CurrentPeriodEnd time.Time          `json:"currentPeriodEnd"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// Store persists orders and subscriptions.
//
// Transitions to confirmed/active happen inside the settlement store's
// transaction on the Postgres path; Transition* here exist for creation,
// cancellation, and the in-memory path.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	TransitionOrder(ctx context.Context, id string, from, to OrderStatus) error

	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	TransitionSubscription(ctx context.Context, id string, from, to SubscriptionStatus) error
}
