package store

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process memory. It is not durable; it backs
// tests, scenarios and memory:// DSNs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	closed bool
	locks  keyLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Lock grants ownership of key within this store instance.
func (m *MemoryStore) Lock(_ context.Context, key string) (func() error, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.locks.acquire(key)
}
