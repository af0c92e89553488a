package crosschain

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/events"
	"github.com/mbd888/aetherlock/internal/metrics"
	"github.com/mbd888/aetherlock/internal/retry"
	"github.com/mbd888/aetherlock/internal/syncutil"
	"github.com/mbd888/aetherlock/internal/traces"
)

// Service applies inbound relay messages and queues the outbound ones.
type Service struct {
	store      Store
	localChain string
	gateway    *solana.PublicKey
	emitter    events.Emitter
	locks      *syncutil.KeyedMutex
	nowFn      func() time.Time
	logger     *slog.Logger
}

// NewService creates a relay service.
func NewService(store Store) *Service {
	return &Service{
		store:      store,
		localChain: DefaultLocalChain,
		emitter:    events.Noop{},
		locks:      syncutil.NewKeyedMutex(),
		nowFn:      time.Now,
		logger:     slog.Default(),
	}
}

// WithGateway restricts inbound messages to one caller identity.
func (s *Service) WithGateway(pk solana.PublicKey) *Service {
	s.gateway = &pk
	return s
}

// WithLocalChain names this chain in outbound messages.
func (s *Service) WithLocalChain(name string) *Service {
	s.localChain = name
	return s
}

func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Handle applies one inbound message from caller and commits the record
// together with any outbound messages it produced.
func (s *Service) Handle(ctx context.Context, caller solana.PublicKey, in Inbound) (_ *Record, _ []*Outbound, err error) {
	id := in.Escrow()
	ctx, span := traces.StartSpan(ctx, "crosschain."+in.Kind(), traces.EscrowID(id), traces.Party("caller", caller))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.RelayMessagesTotal.WithLabelValues("inbound", in.Kind(), result).Inc()
		traces.End(span, err)
	}()

	if s.gateway != nil && !caller.Equals(*s.gateway) {
		return nil, nil, ErrUnauthorizedGateway
	}

	unlock, err := s.locks.Lock(ctx, id[:])
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	now := s.nowFn().Unix()
	cur, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, nil, err
	}

	res, err := Apply(cur, in, Env{LocalChain: s.localChain, Now: now})
	if err != nil {
		s.logger.Warn("cross-chain message rejected", "kind", in.Kind(), "escrowId", id.Hex(), "error", err)
		return nil, nil, err
	}
	if !res.Changed {
		if res.Event != "" {
			attrs := eventAttrs(res.Record, nil)
			attrs["reason"] = res.Reason
			attrs["alreadyFailed"] = "true"
			s.logger.Info("cross-chain failure notice on failed escrow", "kind", in.Kind(), "escrowId", id.Hex())
			s.emitter.Emit(ctx, res.Event, id, attrs, Parties(res.Record)...)
		}
		return res.Record, nil, nil
	}

	err = retry.Persist.Do(ctx, func() error {
		return s.store.Save(ctx, res.Record, res.Outbound)
	})
	if err != nil {
		return nil, nil, err
	}

	rec := res.Record
	for _, out := range res.Outbound {
		metrics.RelayMessagesTotal.WithLabelValues("outbound", string(out.Kind), "queued").Inc()
	}
	s.logger.Info("cross-chain message applied",
		"kind", in.Kind(), "escrowId", id.Hex(), "status", rec.Status, "outbound", len(res.Outbound))
	if res.Event != "" {
		s.emitter.Emit(ctx, res.Event, id, eventAttrs(rec, res.Outbound), Parties(rec)...)
	}
	return rec.Clone(), res.Outbound, nil
}

func eventAttrs(rec *Record, out []*Outbound) map[string]string {
	attrs := map[string]string{
		"status":           string(rec.Status),
		"sourceChain":      rec.SourceChain,
		"destinationChain": rec.DestinationChain,
		"amount":           strconv.FormatUint(rec.Amount, 10),
	}
	if rec.FailureReason != "" {
		attrs["reason"] = rec.FailureReason
	}
	if rec.OracleRequestID != nil {
		attrs["requestId"] = rec.OracleRequestID.Hex()
	}
	if len(out) > 0 {
		attrs["messageId"] = out[0].ID.Hex()
	}
	return attrs
}

// OnCall applies a relayed Message.
func (s *Service) OnCall(ctx context.Context, caller solana.PublicKey, msg Message) (*Record, []*Outbound, error) {
	return s.Handle(ctx, caller, Call{Message: msg})
}

// OnRevert fails the escrow and queues a refund to the source chain.
func (s *Service) OnRevert(ctx context.Context, caller solana.PublicKey, id common.Hash, reason, txHash string) (*Record, []*Outbound, error) {
	return s.Handle(ctx, caller, Revert{EscrowID: id, Reason: reason, TxHash: txHash})
}

// OnAbort fails the escrow and queues an abort notice. On an escrow that has
// already failed it only emits the notice.
func (s *Service) OnAbort(ctx context.Context, caller solana.PublicKey, id common.Hash, reason string, code uint32) (*Record, []*Outbound, error) {
	return s.Handle(ctx, caller, Abort{EscrowID: id, Reason: reason, ErrorCode: code})
}

// RequestVerification moves an active escrow into VerificationPending.
func (s *Service) RequestVerification(ctx context.Context, caller solana.PublicKey, id, requestID common.Hash) (*Record, error) {
	rec, _, err := s.Handle(ctx, caller, VerificationRequest{EscrowID: id, RequestID: requestID})
	return rec, err
}

// AttestIdentity records the buyer's zkMe result.
func (s *Service) AttestIdentity(ctx context.Context, caller solana.PublicKey, id common.Hash, verified bool) (*Record, error) {
	rec, _, err := s.Handle(ctx, caller, IdentityAttestation{EscrowID: id, Verified: verified})
	return rec, err
}

// Get returns a universal escrow by id.
func (s *Service) Get(ctx context.Context, id common.Hash) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListOutbox returns queued outbound messages in sequence order.
func (s *Service) ListOutbox(ctx context.Context, f OutboxFilter) ([]*Outbound, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.ListOutbox(ctx, f)
}
