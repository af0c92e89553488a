package ledger

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

type balanceKey struct {
	owner, mint solana.PublicKey
}

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	balances map[balanceKey]uint64
	holdings map[string]*Holding
	deposits map[string]bool
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]uint64),
		holdings: make(map[string]*Holding),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, owner, mint solana.PublicKey) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Balance{Owner: owner, Mint: mint, Available: m.balances[balanceKey{owner, mint}]}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[reference] {
		return ErrDuplicateDeposit
	}
	k := balanceKey{owner, mint}
	sum, carry := bits.Add64(m.balances[k], amount, 0)
	if carry != 0 {
		return ErrInvalidAmount
	}
	m.balances[k] = sum
	m.deposits[reference] = true
	m.record(owner, mint, EntryDeposit, amount, reference)
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holdings[reference]; ok {
		return ErrHoldingExists
	}
	k := balanceKey{owner, mint}
	if m.balances[k] < amount {
		return ErrInsufficientBalance
	}
	m.balances[k] -= amount
	m.holdings[reference] = &Holding{
		Reference: reference,
		Owner:     owner,
		Mint:      mint,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	m.record(owner, mint, EntryLock, amount, reference)
	return nil
}

func (m *MemoryStore) GetHolding(ctx context.Context, reference string) (*Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holdings[reference]
	if !ok {
		return nil, ErrHoldingNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) Disburse(ctx context.Context, reference string, payouts []Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holdings[reference]
	if !ok {
		return ErrHoldingNotFound
	}
	if h.Closed {
		return ErrHoldingClosed
	}

	// Validate every credit before applying any.
	next := make(map[balanceKey]uint64, len(payouts))
	for _, p := range payouts {
		k := balanceKey{p.Owner, h.Mint}
		cur, seen := next[k]
		if !seen {
			cur = m.balances[k]
		}
		sum, carry := bits.Add64(cur, p.Amount, 0)
		if carry != 0 {
			return ErrInvalidAmount
		}
		next[k] = sum
	}

	for k, v := range next {
		m.balances[k] = v
	}
	for _, p := range payouts {
		m.record(p.Owner, h.Mint, EntryPayout, p.Amount, reference)
	}
	h.Closed = true
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, owner solana.PublicKey, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Owner.Equals(owner) {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// record appends an entry. Caller holds m.mu.
func (m *MemoryStore) record(owner, mint solana.PublicKey, typ string, amount uint64, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        uuid.NewString(),
		Owner:     owner,
		Mint:      mint,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

var _ Store = (*MemoryStore)(nil)
