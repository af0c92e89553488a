package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// MemoryStore is an in-memory escrow store for development and testing.
type MemoryStore struct {
	escrows map[common.Hash]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[common.Hash]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[r.ID]; ok {
		return ErrEscrowExists
	}
	m.escrows[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[r.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party solana.PublicKey, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.escrows {
		if r.IsParty(party) {
			result = append(result, r.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].ID.Hex() < result[j].ID.Hex()
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListLapsed(ctx context.Context, now int64, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.escrows {
		if len(result) >= limit {
			break
		}
		if lapsed(r, now) {
			result = append(result, r.Clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.escrows {
		if r.HoldsFunds() {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.Hex() < result[j].ID.Hex() })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
