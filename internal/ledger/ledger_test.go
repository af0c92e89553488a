package ledger

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"

	"github.com/gagliardetto/solana-go"
)

var ctx = context.Background()

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k.PublicKey()
}

func newTestLedger(t *testing.T) (*Ledger, Capability) {
	t.Helper()
	authority, err := NewCapability()
	if err != nil {
		t.Fatalf("NewCapability: %v", err)
	}
	return New(NewMemoryStore(), authority), authority
}

var depositSeq int

func fund(t *testing.T, l *Ledger, owner, mint solana.PublicKey, amount uint64) {
	t.Helper()
	depositSeq++
	if err := l.Deposit(ctx, owner, mint, amount, "dep-"+strconv.Itoa(depositSeq)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func available(t *testing.T, l *Ledger, owner, mint solana.PublicKey) uint64 {
	t.Helper()
	b, err := l.GetBalance(ctx, owner, mint)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return b.Available
}

func TestDeposit(t *testing.T) {
	l, _ := newTestLedger(t)
	owner, mint := newKey(t), newKey(t)

	if err := l.Deposit(ctx, owner, mint, 1000, "tx1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if got := available(t, l, owner, mint); got != 1000 {
		t.Errorf("expected 1000, got %d", got)
	}

	if err := l.Deposit(ctx, owner, mint, 1000, "tx1"); !errors.Is(err, ErrDuplicateDeposit) {
		t.Errorf("expected ErrDuplicateDeposit, got %v", err)
	}
	if err := l.Deposit(ctx, owner, mint, 0, "tx2"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	// Balances are per mint.
	if got := available(t, l, owner, newKey(t)); got != 0 {
		t.Errorf("expected 0 in other mint, got %d", got)
	}
}

func TestLock(t *testing.T) {
	l, _ := newTestLedger(t)
	buyer, mint := newKey(t), newKey(t)
	fund(t, l, buyer, mint, 1000)

	if err := l.Lock(ctx, buyer, mint, 2000, "esc1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := l.GetHolding(ctx, "esc1"); !errors.Is(err, ErrHoldingNotFound) {
		t.Errorf("failed lock must not leave a holding, got %v", err)
	}

	if err := l.Lock(ctx, buyer, mint, 600, "esc1"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if got := available(t, l, buyer, mint); got != 400 {
		t.Errorf("expected 400 available, got %d", got)
	}
	if err := l.Lock(ctx, buyer, mint, 100, "esc1"); !errors.Is(err, ErrHoldingExists) {
		t.Errorf("expected ErrHoldingExists, got %v", err)
	}

	h, err := l.GetHolding(ctx, "esc1")
	if err != nil {
		t.Fatalf("GetHolding failed: %v", err)
	}
	if h.Amount != 600 || h.Closed {
		t.Errorf("unexpected holding %+v", h)
	}
}

func TestDisburse_SplitsAtomically(t *testing.T) {
	l, authority := newTestLedger(t)
	buyer, seller, treasury, mint := newKey(t), newKey(t), newKey(t), newKey(t)
	fund(t, l, buyer, mint, 1_000_000)
	_ = l.Lock(ctx, buyer, mint, 1_000_000, "esc")

	err := l.Disburse(ctx, authority, "esc", []Payout{
		{Owner: seller, Amount: 980_000},
		{Owner: treasury, Amount: 20_000},
	})
	if err != nil {
		t.Fatalf("Disburse failed: %v", err)
	}
	if got := available(t, l, seller, mint); got != 980_000 {
		t.Errorf("seller expected 980000, got %d", got)
	}
	if got := available(t, l, treasury, mint); got != 20_000 {
		t.Errorf("treasury expected 20000, got %d", got)
	}

	if err := l.Disburse(ctx, authority, "esc", []Payout{{Owner: seller, Amount: 1_000_000}}); !errors.Is(err, ErrHoldingClosed) {
		t.Errorf("expected ErrHoldingClosed on second disburse, got %v", err)
	}
}

func TestDisburse_RequiresCapability(t *testing.T) {
	l, _ := newTestLedger(t)
	buyer, mint := newKey(t), newKey(t)
	fund(t, l, buyer, mint, 100)
	_ = l.Lock(ctx, buyer, mint, 100, "esc")

	forged, _ := NewCapability()
	if err := l.Disburse(ctx, forged, "esc", []Payout{{Owner: buyer, Amount: 100}}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	h, _ := l.GetHolding(ctx, "esc")
	if h.Closed {
		t.Error("holding closed by unauthorized disburse")
	}
}

func TestDisburse_Mismatch(t *testing.T) {
	l, authority := newTestLedger(t)
	buyer, seller, mint := newKey(t), newKey(t), newKey(t)
	fund(t, l, buyer, mint, 100)
	_ = l.Lock(ctx, buyer, mint, 100, "esc")

	if err := l.Disburse(ctx, authority, "esc", []Payout{{Owner: seller, Amount: 99}}); !errors.Is(err, ErrPayoutMismatch) {
		t.Errorf("expected ErrPayoutMismatch for short payout, got %v", err)
	}
	overflow := []Payout{{Owner: seller, Amount: math.MaxUint64}, {Owner: buyer, Amount: 2}}
	if err := l.Disburse(ctx, authority, "esc", overflow); !errors.Is(err, ErrPayoutMismatch) {
		t.Errorf("expected ErrPayoutMismatch for overflowing payout, got %v", err)
	}
	if got := available(t, l, seller, mint); got != 0 {
		t.Errorf("seller credited by rejected disburse: %d", got)
	}
}

func TestDisburse_SkipsZeroPayouts(t *testing.T) {
	l, authority := newTestLedger(t)
	buyer, seller, treasury, mint := newKey(t), newKey(t), newKey(t), newKey(t)
	fund(t, l, buyer, mint, 1)
	_ = l.Lock(ctx, buyer, mint, 1, "tiny")

	err := l.Disburse(ctx, authority, "tiny", []Payout{{Owner: seller, Amount: 1}, {Owner: treasury, Amount: 0}})
	if err != nil {
		t.Fatalf("Disburse failed: %v", err)
	}
	hist, _ := l.GetHistory(ctx, treasury, 10)
	if len(hist) != 0 {
		t.Errorf("expected no treasury entries for zero fee, got %d", len(hist))
	}
}

func TestDisburse_UnknownReference(t *testing.T) {
	l, authority := newTestLedger(t)
	if err := l.Disburse(ctx, authority, "missing", nil); !errors.Is(err, ErrHoldingNotFound) {
		t.Errorf("expected ErrHoldingNotFound, got %v", err)
	}
}

func TestGetHistory_NewestFirst(t *testing.T) {
	l, authority := newTestLedger(t)
	buyer, mint := newKey(t), newKey(t)
	fund(t, l, buyer, mint, 10)
	_ = l.Lock(ctx, buyer, mint, 10, "h")
	_ = l.Disburse(ctx, authority, "h", []Payout{{Owner: buyer, Amount: 10}})

	hist, err := l.GetHistory(ctx, buyer, 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(hist))
	}
	want := []string{EntryPayout, EntryLock, EntryDeposit}
	for i, e := range hist {
		if e.Type != want[i] {
			t.Errorf("entry %d: expected %s, got %s", i, want[i], e.Type)
		}
	}
}
