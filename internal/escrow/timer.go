package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically refunds escrows whose deadline ran out: expired funded
// escrows and disputes left unresolved past their deadline. An escrow
// verified false is left alone so the seller can still dispute it; the buyer
// refunds it explicitly. Eligibility is re-checked under the escrow lock, so a
// stale listing is harmless.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow refund timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval changes the sweep period.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	t.interval = d
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the refund loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass and returns how many escrows were refunded.
func (t *Timer) Sweep(ctx context.Context) int {
	due, err := t.store.ListLapsed(ctx, t.service.now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list lapsed escrows", "error", err)
		return 0
	}

	refunded := 0
	for _, rec := range due {
		if _, err := t.service.refundLapsed(ctx, rec.ID); err != nil {
			// Settled or resolved between listing and locking.
			if errors.Is(err, ErrRefundNotAllowed) {
				continue
			}
			t.logger.Warn("failed to refund escrow", "escrowId", rec.ID.Hex(), "error", err)
			continue
		}
		refunded++
		t.logger.Info("auto-refunded escrow",
			"escrowId", rec.ID.Hex(),
			"buyer", rec.Buyer.String(),
			"amount", rec.Amount,
			"status", rec.Status,
		)
	}
	return refunded
}
