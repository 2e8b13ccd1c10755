package blob

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-memory Store used by tests and LIVE-mode local runs.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, data []byte) (string, error) {
	ref := "blob:" + uuid.NewString()
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.objects[ref] = cp
	m.mu.Unlock()
	return ref, nil
}

func (m *MemStore) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	data, exists := m.objects[ref]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) Health(_ context.Context) error { return nil }

func (m *MemStore) Close() error { return nil }
