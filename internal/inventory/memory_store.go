package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*Product
}

// NewMemoryStore creates an empty in-memory inventory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func (m *MemoryStore) CreateProduct(_ context.Context, p *Product) error {
	if p.StockQuantity < 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProducts(_ context.Context) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Product, 0, len(m.products))
	for _, p := range m.products {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Reserve(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	if p.ReservedQuantity+qty > p.StockQuantity {
		return ErrOutOfStock
	}
	p.ReservedQuantity += qty
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Release returns held units, floored at zero so a stale or doubled
// release can never drive the counter negative.
func (m *MemoryStore) Release(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.ReservedQuantity -= qty
	if p.ReservedQuantity < 0 {
		p.ReservedQuantity = 0
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok || p.ReservedQuantity < qty || p.StockQuantity < qty {
		return ErrProductNotFound
	}
	p.StockQuantity -= qty
	p.ReservedQuantity -= qty
	p.UpdatedAt = time.Now().UTC()
	return nil
}
