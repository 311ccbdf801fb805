package wallet

import (
	"context"
	"sync"

	"github.com/mbd888/chainvoice/internal/chain"
)

type poolEntry struct {
	address string
	index   int64
	claimed bool
}

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[chain.Chain]int64
	pools    map[chain.Chain][]*poolEntry
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[chain.Chain]int64),
		pools:    make(map[chain.Chain][]*poolEntry),
	}
}

func (m *MemoryStore) ReserveIndex(_ context.Context, c chain.Chain) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := m.counters[c]
	m.counters[c] = index + 1
	return index, nil
}

func (m *MemoryStore) SaveAddress(_ context.Context, c chain.Chain, index int64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[c] = append(m.pools[c], &poolEntry{address: address, index: index, claimed: true})
	return nil
}

func (m *MemoryStore) ClaimPooled(_ context.Context, c chain.Chain) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.pools[c] {
		if !e.claimed {
			e.claimed = true
			return e.address, e.index, nil
		}
	}
	return "", 0, ErrPoolExhausted
}

func (m *MemoryStore) AddPooled(_ context.Context, c chain.Chain, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := int64(len(m.pools[c]))
	m.pools[c] = append(m.pools[c], &poolEntry{address: address, index: index})
	return nil
}

func (m *MemoryStore) PoolRemaining(_ context.Context, c chain.Chain) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.pools[c] {
		if !e.claimed {
			n++
		}
	}
	return n, nil
}
