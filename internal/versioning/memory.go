package versioning

import (
	"context"
	"sync"
)

// MemoryStore keeps fingerprints in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	fps map[string]Fingerprint
}

var _ FingerprintStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory fingerprint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fps: make(map[string]Fingerprint)}
}

// Get implements FingerprintStore.
func (m *MemoryStore) Get(_ context.Context, sourceID string) (Fingerprint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.fps[sourceID]
	return fp, ok, nil
}

// Put implements FingerprintStore.
func (m *MemoryStore) Put(_ context.Context, fp Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fps[fp.SourceID] = fp
	return nil
}

// Delete implements FingerprintStore.
func (m *MemoryStore) Delete(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fps, sourceID)
	return nil
}

// Len returns the number of stored fingerprints.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fps)
}
