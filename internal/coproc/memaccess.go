package coproc

import (
	"context"
	"sync"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// MemoryAccessStore is an in-memory AccessStore for tests and
// single-process runs without persistence.
type MemoryAccessStore struct {
	mu     sync.RWMutex
	grants map[fhe.Handle]map[identity.Address]struct{}
}

// NewMemoryAccessStore creates an empty in-memory access store.
func NewMemoryAccessStore() *MemoryAccessStore {
	return &MemoryAccessStore{
		grants: make(map[fhe.Handle]map[identity.Address]struct{}),
	}
}

// Grant implements AccessStore.
func (m *MemoryAccessStore) Grant(_ context.Context, h fhe.Handle, grantee identity.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[h]
	if !ok {
		set = make(map[identity.Address]struct{})
		m.grants[h] = set
	}
	set[grantee] = struct{}{}
	return nil
}

// Allowed implements AccessStore.
func (m *MemoryAccessStore) Allowed(_ context.Context, h fhe.Handle, grantee identity.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[h][grantee]
	return ok, nil
}

// Grantees implements AccessStore.
func (m *MemoryAccessStore) Grantees(_ context.Context, h fhe.Handle) ([]identity.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.grants[h]
	out := make([]identity.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out, nil
}

var _ AccessStore = (*MemoryAccessStore)(nil)
