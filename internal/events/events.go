// Package events records escrow notifications in an append-only log and fans
// them out to live subscribers. Nothing in the escrow lifecycle depends on a
// subscriber receiving a notification.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mbd888/aetherlock/internal/metrics"
)

// Type names a notification.
type Type string

const (
	EscrowCreated  Type = "escrow.created"
	EscrowFunded   Type = "escrow.funded"
	EscrowReleased Type = "escrow.released"
	EscrowRefunded Type = "escrow.refunded"
	EscrowDisputed Type = "escrow.disputed"
	EscrowResolved Type = "escrow.resolved"

	VerificationRequested Type = "verification.requested"
	VerificationCompleted Type = "verification.completed"

	CrossChainInitiated Type = "crosschain.initiated"
	CrossChainRelease   Type = "crosschain.release"
	CrossChainRefund    Type = "crosschain.refund"
	CrossChainAbort     Type = "crosschain.abort"
)

// Notification is one audit record.
type Notification struct {
	Seq        int64              `json:"seq"`
	ID         uuid.UUID          `json:"id"`
	Type       Type               `json:"type"`
	EscrowID   common.Hash        `json:"escrowId"`
	Parties    []solana.PublicKey `json:"parties,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Involves reports whether pk is one of the notification's parties.
func (n *Notification) Involves(pk solana.PublicKey) bool {
	for _, p := range n.Parties {
		if p.Equals(pk) {
			return true
		}
	}
	return false
}

// Filter selects notifications from a Log.
type Filter struct {
	EscrowID *common.Hash
	Types    []Type
	AfterSeq int64
	Limit    int
}

// Log is the append-only notification store. Append assigns Seq.
type Log interface {
	Append(ctx context.Context, n *Notification) error
	List(ctx context.Context, f Filter) ([]*Notification, error)
}

// Sink receives notifications after they are logged. Publish must not block.
type Sink interface {
	Publish(n *Notification)
}

// Emitter is what lifecycle services write notifications to.
type Emitter interface {
	Emit(ctx context.Context, typ Type, escrowID common.Hash, attrs map[string]string, parties ...solana.PublicKey)
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Emit(context.Context, Type, common.Hash, map[string]string, ...solana.PublicKey) {}

// Bus logs notifications and forwards them to sinks.
type Bus struct {
	log    Log
	logger *slog.Logger
	nowFn  func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a bus writing to log.
func NewBus(log Log, logger *slog.Logger) *Bus {
	return &Bus{log: log, logger: logger, nowFn: time.Now}
}

// WithClock overrides the time source.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.nowFn = now
	return b
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit appends a notification and fans it out. Log failures are reported
// and otherwise ignored.
func (b *Bus) Emit(ctx context.Context, typ Type, escrowID common.Hash, attrs map[string]string, parties ...solana.PublicKey) {
	n := &Notification{
		ID:         uuid.New(),
		Type:       typ,
		EscrowID:   escrowID,
		Parties:    parties,
		Attributes: attrs,
		Timestamp:  b.nowFn().UTC(),
	}
	if err := b.log.Append(ctx, n); err != nil {
		b.logger.Error("failed to append notification",
			"type", typ, "escrowId", escrowID.Hex(), "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(typ)).Inc()

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(n)
	}
}

// List reads from the underlying log.
func (b *Bus) List(ctx context.Context, f Filter) ([]*Notification, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return b.log.List(ctx, f)
}

func matches(n *Notification, f Filter) bool {
	if n.Seq <= f.AfterSeq {
		return false
	}
	if f.EscrowID != nil && n.EscrowID != *f.EscrowID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == n.Type {
			return true
		}
	}
	return false
}
