package events

import (
	"context"
	"sync"
)

// MemoryLog is an in-memory notification log for development and tests.
type MemoryLog struct {
	mu    sync.RWMutex
	items []*Notification
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n.Seq = int64(len(m.items)) + 1
	cp := *n
	m.items = append(m.items, &cp)
	return nil
}

// List returns matching notifications in append order.
func (m *MemoryLog) List(ctx context.Context, f Filter) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.items {
		if !matches(n, f) {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

var _ Log = (*MemoryLog)(nil)
