package escrow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/fees"
)

// The functions in this file are the state machine. They only validate and
// mutate the record they are given; callers pass a clone and persist it once
// any ledger effect has succeeded.

func newRecord(p CreateParams, calc *fees.Calculator, now int64) (*Record, error) {
	if p.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if p.Buyer.Equals(p.Seller) {
		return nil, ErrSameParty
	}
	if p.Expiry <= now {
		return nil, ErrInvalidExpiry
	}
	fee, err := calc.Fee(p.Amount)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:           p.ID,
		Buyer:        p.Buyer,
		Seller:       p.Seller,
		TokenMint:    p.TokenMint,
		Amount:       p.Amount,
		FeeAmount:    fee,
		FeeRate:      calc.Rate(),
		Status:       StatusCreated,
		Expiry:       p.Expiry,
		MetadataHash: p.MetadataHash,
		AIAgent:      p.AIAgent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func applyFund(r *Record, caller solana.PublicKey, holdingRef string, now int64) error {
	if r.Status != StatusCreated {
		return ErrInvalidState
	}
	if !caller.Equals(r.Buyer) {
		return ErrUnauthorized
	}
	r.Status = StatusFunded
	r.HoldingRef = holdingRef
	r.UpdatedAt = now
	return nil
}

func applyRequestVerification(r *Record, caller solana.PublicKey, requestID common.Hash, now int64) error {
	if r.DisputeRaised {
		return ErrDisputeActive
	}
	if r.Status != StatusFunded {
		return ErrInvalidState
	}
	if !r.IsParty(caller) && !caller.Equals(r.AIAgent) {
		return ErrUnauthorized
	}
	id := requestID
	r.OracleRequestID = &id
	r.Status = StatusPendingVerification
	r.UpdatedAt = now
	return nil
}

// checkSubmission runs every precondition of a verification submission that
// does not involve the signature itself.
func checkSubmission(r *Record, s Submission) error {
	if r.DisputeRaised {
		return ErrDisputeActive
	}
	if r.Status != StatusFunded && r.Status != StatusPendingVerification {
		return ErrInvalidState
	}
	if !s.Agent.Equals(r.AIAgent) {
		return ErrUnauthorizedAgent
	}
	if r.OracleRequestID != nil && (s.RequestID == nil || *s.RequestID != *r.OracleRequestID) {
		return ErrInvalidOracleRequest
	}
	return nil
}

func applyVerification(r *Record, s Submission, now int64) {
	result := s.Result
	evidence := s.EvidenceHash
	r.VerificationResult = &result
	r.EvidenceHash = &evidence
	r.Status = StatusVerified
	r.UpdatedAt = now
}

// releasePayouts returns the seller and treasury credits for a release.
func releasePayouts(r *Record, treasury solana.PublicKey) ([]Payout, error) {
	if r.DisputeRaised {
		return nil, ErrDisputeActive
	}
	if r.Status != StatusVerified {
		return nil, ErrInvalidState
	}
	if r.VerificationResult == nil || !*r.VerificationResult {
		return nil, ErrVerificationFailed
	}
	net, err := fees.Net(r.Amount, r.FeeAmount)
	if err != nil {
		return nil, err
	}
	return []Payout{
		{Owner: r.Seller, Amount: net},
		{Owner: treasury, Amount: r.FeeAmount},
	}, nil
}

// refundable reports whether any refund condition holds at now.
func refundable(r *Record, now int64) bool {
	if lapsed(r, now) {
		return true
	}
	return !r.IsTerminal() && r.Status == StatusVerified &&
		r.VerificationResult != nil && !*r.VerificationResult
}

// lapsed reports whether a deadline ran out with nobody acting: the escrow
// expired before a verdict, or a dispute outlived its deadline. A false
// verdict is not a lapse; the seller may still dispute it.
func lapsed(r *Record, now int64) bool {
	if r.IsTerminal() {
		return false
	}
	switch {
	case (r.Status == StatusFunded || r.Status == StatusPendingVerification) && now > r.Expiry:
		return true
	case r.DisputeRaised && r.DisputeDeadline != nil && now > *r.DisputeDeadline:
		return true
	}
	return false
}

// checkRefund gates a refund requested by caller. Only the buyer may ask.
func checkRefund(r *Record, caller solana.PublicKey, now int64) error {
	if !refundable(r, now) {
		return ErrRefundNotAllowed
	}
	if !caller.Equals(r.Buyer) {
		return ErrUnauthorized
	}
	return nil
}

func applyRefund(r *Record, now int64) []Payout {
	r.Status = StatusRefunded
	r.UpdatedAt = now
	return []Payout{{Owner: r.Buyer, Amount: r.Amount}}
}

func applyRelease(r *Record, now int64) {
	r.Status = StatusReleased
	r.UpdatedAt = now
}
