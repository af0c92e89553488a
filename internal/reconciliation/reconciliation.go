// Package reconciliation checks that every escrow holding funds is backed by
// a matching open ledger holding.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/aetherlock/internal/escrow"
	"github.com/mbd888/aetherlock/internal/ledger"
)

// Mismatch reasons
const (
	ReasonMissingReference = "missing_holding_reference"
	ReasonHoldingNotFound  = "holding_not_found"
	ReasonHoldingClosed    = "holding_closed"
	ReasonAmount           = "amount_mismatch"
	ReasonMint             = "mint_mismatch"
	ReasonOwner            = "owner_mismatch"
)

// EscrowLister lists escrows whose funds should be locked.
type EscrowLister interface {
	ListActive(ctx context.Context, limit int) ([]*escrow.Record, error)
}

// HoldingReader reads ledger holdings by reference.
type HoldingReader interface {
	GetHolding(ctx context.Context, reference string) (*ledger.Holding, error)
}

// Mismatch is one escrow whose ledger state disagrees with its record.
type Mismatch struct {
	EscrowID  common.Hash   `json:"escrowId"`
	Status    escrow.Status `json:"status"`
	Reference string        `json:"reference,omitempty"`
	Reason    string        `json:"reason"`
	Detail    string        `json:"detail,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	CheckedAt  time.Time  `json:"checkedAt"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches"`
	Match      bool       `json:"match"`
	Duration   string     `json:"duration"`
}

// Runner performs reconciliation runs and keeps the latest report.
type Runner struct {
	escrows  EscrowLister
	holdings HoldingReader
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner.
func NewRunner(escrows EscrowLister, holdings HoldingReader, logger *slog.Logger) *Runner {
	return &Runner{
		escrows:  escrows,
		holdings: holdings,
		batch:    10_000,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run checks every active escrow against the ledger.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	recs, err := r.escrows.ListActive(ctx, r.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list active escrows: %w", err)
	}

	report := &Report{CheckedAt: r.now(), Checked: len(recs), Mismatches: []Mismatch{}}
	for _, rec := range recs {
		m, err := r.check(ctx, rec)
		if err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
		if m != nil {
			report.Mismatches = append(report.Mismatches, *m)
		}
	}
	report.Match = len(report.Mismatches) == 0
	report.Duration = time.Since(start).String()

	reconcileChecked.Set(float64(report.Checked))
	reconcileMismatches.Set(float64(len(report.Mismatches)))
	for _, m := range report.Mismatches {
		r.logger.Error("escrow holding mismatch",
			"escrowId", m.EscrowID.Hex(),
			"status", m.Status,
			"reference", m.Reference,
			"reason", m.Reason,
			"detail", m.Detail,
		)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

func (r *Runner) check(ctx context.Context, rec *escrow.Record) (*Mismatch, error) {
	m := &Mismatch{EscrowID: rec.ID, Status: rec.Status, Reference: rec.HoldingRef}
	if rec.HoldingRef == "" {
		m.Reason = ReasonMissingReference
		return m, nil
	}

	h, err := r.holdings.GetHolding(ctx, rec.HoldingRef)
	if errors.Is(err, ledger.ErrHoldingNotFound) {
		m.Reason = ReasonHoldingNotFound
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read holding %s: %w", rec.HoldingRef, err)
	}

	switch {
	case h.Closed:
		m.Reason = ReasonHoldingClosed
	case h.Amount != rec.Amount:
		m.Reason = ReasonAmount
		m.Detail = fmt.Sprintf("held %d, escrow %d", h.Amount, rec.Amount)
	case !h.Mint.Equals(rec.TokenMint):
		m.Reason = ReasonMint
		m.Detail = fmt.Sprintf("held %s, escrow %s", h.Mint, rec.TokenMint)
	case !h.Owner.Equals(rec.Buyer):
		m.Reason = ReasonOwner
		m.Detail = fmt.Sprintf("held for %s, buyer %s", h.Owner, rec.Buyer)
	default:
		return nil, nil
	}
	return m, nil
}
