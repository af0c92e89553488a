package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/escrow"
	"github.com/mbd888/aetherlock/internal/ledger"
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

type fixture struct {
	escrows *escrow.MemoryStore
	ledger  *ledger.Ledger
	cap     ledger.Capability
	mint    solana.PublicKey
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := ledger.NewCapability()
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		escrows: escrow.NewMemoryStore(),
		ledger:  ledger.New(ledger.NewMemoryStore(), c),
		cap:     c,
		mint:    newKey(t),
	}
	f.runner = NewRunner(f.escrows, f.ledger, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return f
}

// funded stores an escrow in status st with a holding locked for it.
func (f *fixture) funded(t *testing.T, id byte, st escrow.Status, amount uint64) *escrow.Record {
	t.Helper()
	rec := &escrow.Record{
		ID:         common.Hash{id},
		Buyer:      newKey(t),
		Seller:     newKey(t),
		TokenMint:  f.mint,
		Amount:     amount,
		Status:     st,
		HoldingRef: "escrow/" + common.Hash{id}.Hex(),
	}
	if err := f.ledger.Deposit(ctx, rec.Buyer, f.mint, amount, "dep-"+rec.HoldingRef); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.Lock(ctx, rec.Buyer, f.mint, amount, rec.HoldingRef); err != nil {
		t.Fatal(err)
	}
	if err := f.escrows.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestRun_AllBacked(t *testing.T) {
	f := newFixture(t)
	f.funded(t, 1, escrow.StatusFunded, 100)
	f.funded(t, 2, escrow.StatusPendingVerification, 200)
	f.funded(t, 3, escrow.StatusVerified, 300)
	f.funded(t, 4, escrow.StatusDisputed, 400)

	// Created escrows hold nothing and are skipped.
	if err := f.escrows.Create(ctx, &escrow.Record{ID: common.Hash{9}, Status: escrow.StatusCreated}); err != nil {
		t.Fatal(err)
	}

	report, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Match || report.Checked != 4 {
		t.Fatalf("expected 4 matching escrows, got %+v", report)
	}
	if f.runner.Last() != report {
		t.Error("Last should return the latest report")
	}
}

func TestRun_DetectsMismatches(t *testing.T) {
	f := newFixture(t)

	closed := f.funded(t, 1, escrow.StatusVerified, 100)
	if err := f.ledger.Disburse(ctx, f.cap, closed.HoldingRef, []ledger.Payout{{Owner: closed.Seller, Amount: 100}}); err != nil {
		t.Fatal(err)
	}

	wrongAmount := f.funded(t, 2, escrow.StatusFunded, 100)
	wrongAmount.Amount = 150
	if err := f.escrows.Update(ctx, wrongAmount); err != nil {
		t.Fatal(err)
	}

	wrongOwner := f.funded(t, 3, escrow.StatusFunded, 100)
	wrongOwner.Buyer = newKey(t)
	if err := f.escrows.Update(ctx, wrongOwner); err != nil {
		t.Fatal(err)
	}

	missing := &escrow.Record{ID: common.Hash{4}, Status: escrow.StatusFunded, HoldingRef: "escrow/none"}
	noRef := &escrow.Record{ID: common.Hash{5}, Status: escrow.StatusDisputed}
	for _, r := range []*escrow.Record{missing, noRef} {
		if err := f.escrows.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	report, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Match {
		t.Fatal("expected mismatches")
	}

	got := map[common.Hash]string{}
	for _, m := range report.Mismatches {
		got[m.EscrowID] = m.Reason
	}
	want := map[common.Hash]string{
		closed.ID:      ReasonHoldingClosed,
		wrongAmount.ID: ReasonAmount,
		wrongOwner.ID:  ReasonOwner,
		missing.ID:     ReasonHoldingNotFound,
		noRef.ID:       ReasonMissingReference,
	}
	if len(got) != len(want) {
		t.Fatalf("mismatches = %v, want %v", got, want)
	}
	for id, reason := range want {
		if got[id] != reason {
			t.Errorf("%s: reason = %q, want %q", id.Hex(), got[id], reason)
		}
	}
}

type failingLister struct{}

func (failingLister) ListActive(context.Context, int) ([]*escrow.Record, error) {
	return nil, errors.New("db down")
}

func TestRun_ListError(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(failingLister{}, f.ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := r.Run(ctx); err == nil {
		t.Fatal("expected error")
	}
	if r.Last() != nil {
		t.Error("failed run must not replace the report")
	}
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.runner, slog.New(slog.NewTextHandler(io.Discard, nil))).WithInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for f.runner.Last() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.runner.Last() == nil {
		t.Fatal("timer never ran")
	}
	if !timer.Running() {
		t.Error("expected timer to report running")
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("expected timer to report stopped")
	}
}
