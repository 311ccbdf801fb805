package invoice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/chainvoice/internal/chain"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

// NewMemoryStore creates an empty in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invoices: make(map[string]*Invoice)}
}

func (m *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) GetByAddress(_ context.Context, c chain.Chain, address string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Invoice
	for _, inv := range m.invoices {
		if inv.Chain != c || inv.Address != address {
			continue
		}
		if latest == nil || inv.CreatedAt.After(latest.CreatedAt) {
			latest = inv
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListPendingByChain(_ context.Context, c chain.Chain, now time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.Chain == c && inv.Status == StatusPending && inv.ExpiresAt.After(now) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == StatusPending && !inv.ExpiresAt.After(now) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || inv.Status != StatusPending {
		return ErrNotFound
	}
	inv.Status = StatusCancelled
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordConfirmations(_ context.Context, id string, confirmations int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[id]; ok && inv.Status == StatusPending {
		inv.Confirmations = confirmations
		inv.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Transition moves an invoice between states if it is currently in from.
// Used by the in-memory settlement store; the Postgres path does this
// inside its own transaction.
func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != from {
		return ErrStateConflict
	}
	inv.Status = to
	inv.UpdatedAt = time.Now().UTC()
	return nil
}
