package crosschain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps universal escrows and the outbox in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[common.Hash]*Record
	outbox  []*Outbound
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Hash]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, id common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, r *Record, outbound []*Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[r.ID] = r.Clone()
	for _, out := range outbound {
		m.seq++
		out.Seq = m.seq
		cp := *out
		m.outbox = append(m.outbox, &cp)
	}
	return nil
}

func (m *MemoryStore) ListOutbox(ctx context.Context, f OutboxFilter) ([]*Outbound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Outbound
	for _, out := range m.outbox {
		if out.Seq <= f.AfterSeq {
			continue
		}
		if f.EscrowID != nil && out.Message.EscrowID != *f.EscrowID {
			continue
		}
		cp := *out
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
