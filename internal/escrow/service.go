package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mbd888/aetherlock/internal/events"
	"github.com/mbd888/aetherlock/internal/fees"
	"github.com/mbd888/aetherlock/internal/metrics"
	"github.com/mbd888/aetherlock/internal/oracle"
	"github.com/mbd888/aetherlock/internal/retry"
	"github.com/mbd888/aetherlock/internal/syncutil"
	"github.com/mbd888/aetherlock/internal/traces"
)

// Service implements escrow business logic. Operations on one escrow id are
// serialized; each operation reads the clock once.
type Service struct {
	store     Store
	ledger    LedgerService
	authority [32]byte
	treasury  solana.PublicKey
	fees      *fees.Calculator
	verifier  *oracle.Verifier
	admins    AdminChecker
	emitter   events.Emitter
	locks     *syncutil.KeyedMutex
	nowFn     func() time.Time
	logger    *slog.Logger
}

// NewService creates a new escrow service. authority is the ledger
// capability that lets the service pay out of escrow holdings.
func NewService(store Store, ledger LedgerService, authority [32]byte, treasury solana.PublicKey, calc *fees.Calculator) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		authority: authority,
		treasury:  treasury,
		fees:      calc,
		verifier:  oracle.NewVerifier(),
		emitter:   events.Noop{},
		locks:     syncutil.NewKeyedMutex(),
		nowFn:     time.Now,
		logger:    slog.Default(),
	}
}

// WithAdmins sets the registry consulted by ResolveDispute.
func (s *Service) WithAdmins(a AdminChecker) *Service {
	s.admins = a
	return s
}

// WithVerifier replaces the oracle signature verifier.
func (s *Service) WithVerifier(v *oracle.Verifier) *Service {
	s.verifier = v
	return s
}

// WithEmitter sets where lifecycle notifications go.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Treasury returns the fee recipient.
func (s *Service) Treasury() solana.PublicKey {
	return s.treasury
}

func (s *Service) now() int64 {
	return s.nowFn().Unix()
}

// load fetches a private copy of the record.
func (s *Service) load(ctx context.Context, id common.Hash) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// persist writes rec with retries. When moved is set the ledger has already
// applied the operation's effect, so a failure here cannot be rolled back and
// is flagged for manual resolution.
func (s *Service) persist(ctx context.Context, op string, rec *Record, moved bool) error {
	err := retry.Persist.Do(ctx, func() error {
		err := s.store.Update(ctx, rec)
		if errors.Is(err, ErrEscrowNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if moved {
		metrics.CriticalInconsistencies.WithLabelValues(op).Inc()
		s.logger.Error("CRITICAL: ledger effect applied but escrow update failed",
			"operation", op, "escrowId", rec.ID.Hex(), "status", rec.Status, "holding", rec.HoldingRef, "error", err)
		return fmt.Errorf("failed to update escrow after %s (requires manual resolution): %w", op, err)
	}
	return fmt.Errorf("failed to update escrow: %w", err)
}

// Create registers a new escrow in Created. The fee is fixed here.
func (s *Service) Create(ctx context.Context, p CreateParams) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.EscrowID(p.ID), traces.Party("buyer", p.Buyer), traces.Party("seller", p.Seller), traces.Amount(p.Amount))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, p.ID[:])
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := newRecord(p, s.fees, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("escrow created",
		"escrowId", rec.ID.Hex(), "buyer", rec.Buyer.String(), "seller", rec.Seller.String(),
		"amount", rec.Amount, "fee", rec.FeeAmount)
	s.emitter.Emit(ctx, events.EscrowCreated, rec.ID, map[string]string{
		"amount":    strconv.FormatUint(rec.Amount, 10),
		"feeAmount": strconv.FormatUint(rec.FeeAmount, 10),
		"tokenMint": rec.TokenMint.String(),
		"expiry":    strconv.FormatInt(rec.Expiry, 10),
	}, rec.Buyer, rec.Seller)
	return rec.Clone(), nil
}

// Fund moves the escrow amount from the buyer's ledger balance into a
// holding only this service can pay out of.
func (s *Service) Fund(ctx context.Context, id common.Hash, caller solana.PublicKey) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id), traces.Party("caller", caller))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id[:])
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ref := holdingRef(id)
	if err := applyFund(rec, caller, ref, now); err != nil {
		return nil, err
	}

	if err := s.ledger.Lock(ctx, rec.Buyer, rec.TokenMint, rec.Amount, ref); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.persist(ctx, "fund", rec, false); err != nil {
		// Compensate: the holding was never recorded, hand it back.
		refund := []Payout{{Owner: rec.Buyer, Amount: rec.Amount}}
		if cerr := s.ledger.Disburse(ctx, s.authority, ref, refund); cerr != nil {
			metrics.CriticalInconsistencies.WithLabelValues("fund").Inc()
			s.logger.Error("CRITICAL: escrow funds locked but record update and compensation failed",
				"escrowId", id.Hex(), "holding", ref, "error", err, "compensationError", cerr)
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("escrow funded", "escrowId", id.Hex(), "amount", rec.Amount, "holding", ref)
	s.emitter.Emit(ctx, events.EscrowFunded, id, map[string]string{
		"amount": strconv.FormatUint(rec.Amount, 10),
	}, rec.Buyer, rec.Seller)
	return rec, nil
}

// RequestVerification records the id of an outstanding oracle request; the
// eventual submission must carry the same id.
func (s *Service) RequestVerification(ctx context.Context, id common.Hash, caller solana.PublicKey, requestID common.Hash) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestVerification", traces.EscrowID(id), traces.Party("caller", caller))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id[:])
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyRequestVerification(rec, caller, requestID, now); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, "request_verification", rec, false); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	s.emitter.Emit(ctx, events.VerificationRequested, id, map[string]string{
		"requestId": requestID.Hex(),
		"agent":     rec.AIAgent.String(),
	}, rec.Buyer, rec.Seller, rec.AIAgent)
	return rec, nil
}

// SubmitVerification accepts a signed verdict from the escrow's agent. Every
// rejection leaves the record untouched.
func (s *Service) SubmitVerification(ctx context.Context, id common.Hash, sub Submission) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitVerification", traces.EscrowID(id), traces.Party("agent", sub.Agent))
	defer func() {
		outcome := "rejected"
		if err == nil {
			outcome = "accepted_" + strconv.FormatBool(sub.Result)
		}
		metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
		traces.End(span, err)
	}()

	unlock, err := s.locks.Lock(ctx, id[:])
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkSubmission(rec, sub); err != nil {
		return nil, err
	}
	payload := oracle.Payload{
		EscrowID:     rec.ID,
		Result:       sub.Result,
		EvidenceHash: sub.EvidenceHash,
		Timestamp:    sub.Timestamp,
	}
	if err := s.verifier.Verify(rec.AIAgent, payload, sub.Signature, now); err != nil {
		s.logger.Warn("verification rejected", "escrowId", id.Hex(), "agent", sub.Agent.String(), "error", err)
		return nil, err
	}
	applyVerification(rec, sub, now)
	if err := s.persist(ctx, "submit_verification", rec, false); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("verification accepted", "escrowId", id.Hex(), "result", sub.Result)
	s.emitter.Emit(ctx, events.VerificationCompleted, id, map[string]string{
		"result":       strconv.FormatBool(sub.Result),
		"evidenceHash": sub.EvidenceHash.Hex(),
	}, rec.Buyer, rec.Seller, rec.AIAgent)
	return rec, nil
}

// Release pays the seller (amount minus fee) and the treasury (fee) in one
// ledger batch. Either party may trigger it once the escrow is verified true.
func (s *Service) Release(ctx context.Context, id common.Hash, caller solana.PublicKey) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id), traces.Party("caller", caller))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id[:])
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	payouts, err := releasePayouts(rec, s.treasury)
	if err != nil {
		return nil, err
	}
	if !rec.IsParty(caller) {
		return nil, ErrUnauthorized
	}
	applyRelease(rec, now)

	if err := s.ledger.Disburse(ctx, s.authority, rec.HoldingRef, payouts); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}
	if err := s.persist(ctx, "release", rec, true); err != nil {
		return nil, err
	}

	s.settled(rec)
	s.logger.Info("escrow released",
		"escrowId", id.Hex(), "seller", rec.Seller.String(), "net", payouts[0].Amount, "fee", payouts[1].Amount)
	s.emitter.Emit(ctx, events.EscrowReleased, id, map[string]string{
		"sellerAmount": strconv.FormatUint(payouts[0].Amount, 10),
		"feeAmount":    strconv.FormatUint(payouts[1].Amount, 10),
		"treasury":     s.treasury.String(),
	}, rec.Buyer, rec.Seller)
	return rec, nil
}

// Refund returns the full amount to the buyer when the escrow expired, was
// verified false, or sat in an unresolved dispute past its deadline. Only the
// buyer may ask for it.
func (s *Service) Refund(ctx context.Context, id common.Hash, caller solana.PublicKey) (*Record, error) {
	return s.refund(ctx, "escrow.Refund", id, func(r *Record, now int64) error {
		return checkRefund(r, caller, now)
	})
}

// refundLapsed refunds an escrow whose expiry or dispute deadline ran out.
// It is the timer's path and needs no caller.
func (s *Service) refundLapsed(ctx context.Context, id common.Hash) (*Record, error) {
	return s.refund(ctx, "escrow.RefundLapsed", id, func(r *Record, now int64) error {
		if !lapsed(r, now) {
			return ErrRefundNotAllowed
		}
		return nil
	})
}

func (s *Service) refund(ctx context.Context, op string, id common.Hash, check func(*Record, int64) error) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id[:])
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := check(rec, now); err != nil {
		return nil, err
	}
	payouts := applyRefund(rec, now)

	if err := s.ledger.Disburse(ctx, s.authority, rec.HoldingRef, payouts); err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}
	if err := s.persist(ctx, "refund", rec, true); err != nil {
		return nil, err
	}

	s.settled(rec)
	s.logger.Info("escrow refunded", "escrowId", id.Hex(), "buyer", rec.Buyer.String(), "amount", rec.Amount)
	s.emitter.Emit(ctx, events.EscrowRefunded, id, map[string]string{
		"amount": strconv.FormatUint(rec.Amount, 10),
	}, rec.Buyer, rec.Seller)
	return rec, nil
}

func (s *Service) settled(rec *Record) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	metrics.EscrowDuration.Observe(float64(rec.UpdatedAt - rec.CreatedAt))
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id common.Hash) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows where party is buyer or seller, newest first.
func (s *Service) ListByParty(ctx context.Context, party solana.PublicKey, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, party, limit)
}

// holdingRef is unique per funding attempt so a compensated attempt never
// blocks a retry.
func holdingRef(id common.Hash) string {
	return "escrow/" + id.Hex()[2:] + "/" + uuid.NewString()
}
