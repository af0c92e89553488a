// Package ledger holds token balances for escrow parties.
//
// Flow:
//  1. An admin credits a deposit observed on-chain
//  2. Funding an escrow moves the buyer's available balance into a holding
//     keyed by the escrow reference
//  3. Release or refund disburses the holding in one batch; only the holder
//     of the escrow capability may disburse
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
	ErrHoldingExists       = errors.New("holding already exists for reference")
	ErrHoldingNotFound     = errors.New("holding not found")
	ErrHoldingClosed       = errors.New("holding already disbursed")
	ErrPayoutMismatch      = errors.New("payouts do not match held amount")
	ErrUnauthorized        = errors.New("capability does not authorize disbursement")
)

// Capability authorizes disbursement of holdings. Only the escrow service
// holds it; callers present it on every Disburse.
type Capability [32]byte

// NewCapability returns a random capability.
func NewCapability() (Capability, error) {
	var c Capability
	if _, err := rand.Read(c[:]); err != nil {
		return Capability{}, fmt.Errorf("generate capability: %w", err)
	}
	return c, nil
}

// Entry types
const (
	EntryDeposit = "deposit"
	EntryLock    = "lock"
	EntryPayout  = "payout"
)

// Entry is one balance movement.
type Entry struct {
	ID        string           `json:"id"`
	Owner     solana.PublicKey `json:"owner"`
	Mint      solana.PublicKey `json:"mint"`
	Type      string           `json:"type"`
	Amount    uint64           `json:"amount"`
	Reference string           `json:"reference,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Balance is an owner's spendable balance in one mint.
type Balance struct {
	Owner     solana.PublicKey `json:"owner"`
	Mint      solana.PublicKey `json:"mint"`
	Available uint64           `json:"available"`
}

// Holding is value locked against an escrow reference.
type Holding struct {
	Reference string           `json:"reference"`
	Owner     solana.PublicKey `json:"owner"`
	Mint      solana.PublicKey `json:"mint"`
	Amount    uint64           `json:"amount"`
	Closed    bool             `json:"closed"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Payout credits Amount of the holding's mint to Owner.
type Payout struct {
	Owner  solana.PublicKey `json:"owner"`
	Amount uint64           `json:"amount"`
}

// Store persists balances and holdings. Each method is atomic.
type Store interface {
	GetBalance(ctx context.Context, owner, mint solana.PublicKey) (*Balance, error)
	// Credit returns ErrDuplicateDeposit if reference was already credited.
	Credit(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error
	// Lock returns ErrInsufficientBalance or ErrHoldingExists.
	Lock(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error
	GetHolding(ctx context.Context, reference string) (*Holding, error)
	// Disburse closes the holding and credits every payout, or does nothing.
	Disburse(ctx context.Context, reference string, payouts []Payout) error
	GetHistory(ctx context.Context, owner solana.PublicKey, limit int) ([]*Entry, error)
}

// Ledger validates and meters operations on a Store.
type Ledger struct {
	store     Store
	authority Capability
}

// New creates a ledger. authority is the capability that Disburse accepts.
func New(store Store, authority Capability) *Ledger {
	return &Ledger{store: store, authority: authority}
}

// GetBalance returns an owner's available balance in mint.
func (l *Ledger) GetBalance(ctx context.Context, owner, mint solana.PublicKey) (*Balance, error) {
	return l.store.GetBalance(ctx, owner, mint)
}

// Deposit credits an observed deposit. reference is the deposit transaction
// id and can only be credited once.
func (l *Ledger) Deposit(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	defer observeOp("deposit")()
	if amount == 0 {
		return ErrInvalidAmount
	}
	if reference == "" {
		return fmt.Errorf("%w: deposit reference required", ErrInvalidAmount)
	}
	return l.store.Credit(ctx, owner, mint, amount, reference)
}

// Lock moves amount from owner's balance into a holding under reference.
func (l *Ledger) Lock(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	defer observeOp("lock")()
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Lock(ctx, owner, mint, amount, reference); err != nil {
		return err
	}
	LedgerHeldTotal.Add(float64(amount))
	return nil
}

// Disburse pays out a holding. The payouts must sum to exactly the held
// amount; zero-amount payouts are skipped.
func (l *Ledger) Disburse(ctx context.Context, authority Capability, reference string, payouts []Payout) error {
	defer observeOp("disburse")()
	if subtle.ConstantTimeCompare(authority[:], l.authority[:]) != 1 {
		return ErrUnauthorized
	}

	h, err := l.store.GetHolding(ctx, reference)
	if err != nil {
		return err
	}
	if h.Closed {
		return ErrHoldingClosed
	}

	var total uint64
	nonzero := make([]Payout, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		var carry uint64
		total, carry = bits.Add64(total, p.Amount, 0)
		if carry != 0 {
			return fmt.Errorf("%w: payout sum overflows", ErrPayoutMismatch)
		}
		nonzero = append(nonzero, p)
	}
	if total != h.Amount {
		return fmt.Errorf("%w: payouts %d, held %d", ErrPayoutMismatch, total, h.Amount)
	}

	if err := l.store.Disburse(ctx, reference, nonzero); err != nil {
		return err
	}
	LedgerHeldTotal.Sub(float64(h.Amount))
	return nil
}

// GetHolding returns the holding for reference.
func (l *Ledger) GetHolding(ctx context.Context, reference string) (*Holding, error) {
	return l.store.GetHolding(ctx, reference)
}

// GetHistory returns an owner's most recent entries.
func (l *Ledger) GetHistory(ctx context.Context, owner solana.PublicKey, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.GetHistory(ctx, owner, limit)
}
