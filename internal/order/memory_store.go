package order

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	subs   map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		subs:   make(map[string]*Subscription),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp, nil
}

func (m *MemoryStore) TransitionOrder(_ context.Context, id string, from, to OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStateConflict
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// SetSubscriptionPeriodEnd moves the current billing period end. The
// in-memory settlement path calls this where the database path updates
// the row inside its transaction.
func (m *MemoryStore) SetSubscriptionPeriodEnd(_ context.Context, id string, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.CurrentPeriodEnd = end
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) TransitionSubscription(_ context.Context, id string, from, to SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != from {
		return ErrStateConflict
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}
