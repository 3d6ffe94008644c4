package storage

import (
	"context"
	"sync"

	"vrdiag/pkg/interfaces"
)

// MemoryStore keeps artifacts in process memory. It backs tests and
// single-node deployments without object storage.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ interfaces.ArtifactStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return ErrEmptyPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, interfaces.ErrArtifactNotFound
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored artifacts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
