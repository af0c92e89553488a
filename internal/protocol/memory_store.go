package protocol

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory config store for development mode.
type MemoryStore struct {
	cfg *Config
	mu  sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(ctx context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg == nil {
		return nil, ErrNotInitialized
	}
	return m.cfg.Clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg != nil {
		return ErrAlreadyInitialized
	}
	m.cfg = cfg.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg == nil {
		return ErrNotInitialized
	}
	m.cfg = cfg.Clone()
	return nil
}
