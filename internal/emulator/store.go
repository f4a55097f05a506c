package emulator

import (
	"context"
	"sync"
)

// Store persists the whole database as exported JSON
type Store interface {
	Load(ctx context.Context) (any, error)
	Save(ctx context.Context, data any) error
}

// MemoryStore keeps the last saved snapshot in memory
type MemoryStore struct {
	mu    sync.Mutex
	data  any
	saves int
}

func (m *MemoryStore) Load(context.Context) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *MemoryStore) Save(_ context.Context, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.saves++
	return nil
}

// Saves returns how many snapshots were written
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
