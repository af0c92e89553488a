package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/events"
	"github.com/mbd888/aetherlock/internal/metrics"
	"github.com/mbd888/aetherlock/internal/traces"
)

// Outcome is an admin's decision on a dispute.
type Outcome string

const (
	FavorBuyer  Outcome = "favor_buyer"
	FavorSeller Outcome = "favor_seller"
)

// ErrInvalidOutcome is returned for an unknown resolution.
var ErrInvalidOutcome = errors.New("outcome must be favor_buyer or favor_seller")

// Result is the verification result a resolution records.
func (o Outcome) Result() (bool, error) {
	switch o {
	case FavorBuyer:
		return false, nil
	case FavorSeller:
		return true, nil
	}
	return false, ErrInvalidOutcome
}

func applyRaiseDispute(r *Record, initiator solana.PublicKey, reason common.Hash, now int64) error {
	if r.DisputeRaised {
		return ErrDisputeAlreadyRaised
	}
	if r.Status != StatusFunded && r.Status != StatusVerified {
		return ErrInvalidState
	}
	if !r.IsParty(initiator) {
		return ErrUnauthorized
	}
	deadline := now + DisputeWindow
	who := initiator
	r.DisputeRaised = true
	r.DisputeDeadline = &deadline
	r.DisputeReasonHash = &reason
	r.DisputeInitiator = &who
	r.Status = StatusDisputed
	r.UpdatedAt = now
	return nil
}

// applyResolve records the admin's verdict. The signature path is not
// re-run; the outcome stands in for the oracle result.
func applyResolve(r *Record, outcome Outcome, now int64) error {
	if r.Status != StatusDisputed {
		return ErrInvalidState
	}
	result, err := outcome.Result()
	if err != nil {
		return err
	}
	r.VerificationResult = &result
	r.DisputeRaised = false
	r.Status = StatusVerified
	r.UpdatedAt = now
	return nil
}

// RaiseDispute freezes a funded or verified escrow for up to DisputeWindow.
func (s *Service) RaiseDispute(ctx context.Context, id common.Hash, initiator solana.PublicKey, reason common.Hash) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.EscrowID(id), traces.Party("initiator", initiator))
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
	if err := applyRaiseDispute(rec, initiator, reason, now); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, "raise_dispute", rec, false); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("dispute raised",
		"escrowId", id.Hex(), "initiator", initiator.String(), "deadline", *rec.DisputeDeadline)
	s.emitter.Emit(ctx, events.EscrowDisputed, id, map[string]string{
		"initiator":  initiator.String(),
		"reasonHash": reason.Hex(),
		"deadline":   strconv.FormatInt(*rec.DisputeDeadline, 10),
	}, rec.Buyer, rec.Seller)
	return rec, nil
}

// ResolveDispute lets a protocol admin settle a dispute. The escrow returns
// to Verified with the outcome as its result; release or refund follow.
func (s *Service) ResolveDispute(ctx context.Context, id common.Hash, admin solana.PublicKey, outcome Outcome) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id), traces.Party("admin", admin))
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
	if rec.Status != StatusDisputed {
		return nil, ErrInvalidState
	}
	if s.admins == nil {
		return nil, ErrUnauthorizedAdmin
	}
	ok, err := s.admins.IsAdmin(ctx, admin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorizedAdmin, err)
	}
	if !ok {
		return nil, ErrUnauthorizedAdmin
	}
	if err := applyResolve(rec, outcome, now); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, "resolve_dispute", rec, false); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(outcome)).Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("dispute resolved", "escrowId", id.Hex(), "admin", admin.String(), "outcome", outcome)
	s.emitter.Emit(ctx, events.EscrowResolved, id, map[string]string{
		"admin":   admin.String(),
		"outcome": string(outcome),
	}, rec.Buyer, rec.Seller)
	return rec, nil
}
