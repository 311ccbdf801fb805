// Package inventory tracks product stock and the reservations that back
// unpaid invoices.
//
// Reservations are advisory holds: reserved quantity never exceeds stock,
// stock is only decremented when an order settles, and releasing a
// reservation (cancellation, expiry) returns the hold without touching
// stock.
package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOutOfStock      = errors.New("insufficient unreserved stock")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Product is a sellable item with a price in chain-native decimal units.
type Product struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Price            string    `json:"price"` // decimal string
	Currency         string    `json:"currency"`
	StockQuantity    int64     `json:"stockQuantity"`
	ReservedQuantity int64     `json:"reservedQuantity"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Available returns the quantity that can still be reserved.
func (p *Product) Available() int64 {
	return p.StockQuantity - p.ReservedQuantity
}

// Store persists products and reservation counters.
//
// Reserve and Release are single atomic operations. Consuming stock on
// settlement happens inside the settlement store's transaction on the
// Postgres path; Consume here exists for the in-memory path.
type Store interface {
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	// Reserve places a hold of qty units, failing with ErrOutOfStock when
	// fewer than qty unreserved units remain.
	Reserve(ctx context.Context, productID string, qty int64) error
	// Release returns a hold of qty units without touching stock.
	Release(ctx context.Context, productID string, qty int64) error
	// Consume decrements both stock and the matching reservation.
	Consume(ctx context.Context, productID string, qty int64) error
}
