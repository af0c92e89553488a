// Package escrow holds a buyer's tokens until the escrow's oracle agent
// attests to fulfilment.
//
// Flow:
//  1. Buyer creates the escrow → Created (fee fixed at creation)
//  2. Buyer funds it → tokens locked in a ledger holding → Funded
//  3. Optional oracle request → PendingVerification
//  4. Agent submits a signed result → Verified
//  5. Verified(true) → released to seller minus fee; Verified(false),
//     expiry or a lapsed dispute window → refunded to buyer
//  6. Buyer or seller may dispute; an admin resolves it → Verified
package escrow

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/fees"
	"github.com/mbd888/aetherlock/internal/oracle"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrEscrowExists         = errors.New("escrow already exists")
	ErrInvalidState         = errors.New("invalid escrow status for this operation")
	ErrUnauthorized         = errors.New("not authorized for this escrow operation")
	ErrUnauthorizedAdmin    = errors.New("caller is not a protocol admin")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrSameParty            = errors.New("buyer and seller must differ")
	ErrInvalidExpiry        = errors.New("expiry must be in the future")
	ErrDisputeActive        = errors.New("a dispute is active on this escrow")
	ErrDisputeAlreadyRaised = errors.New("dispute already raised")
	ErrRefundNotAllowed     = errors.New("refund not allowed")
	ErrVerificationFailed   = errors.New("verification did not pass")
	ErrInvalidOracleRequest = errors.New("oracle request id does not match")
	ErrInsufficientFunds    = errors.New("insufficient funds")

	ErrMathOverflow      = fees.ErrMathOverflow
	ErrUnauthorizedAgent = oracle.ErrUnauthorizedAgent
	ErrInvalidSignature  = oracle.ErrInvalidSignature
	ErrTimestampTooOld   = oracle.ErrTimestampTooOld
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated             Status = "created"
	StatusFunded              Status = "funded"
	StatusPendingVerification Status = "pending_verification"
	StatusVerified            Status = "verified"
	StatusDisputed            Status = "disputed"
	StatusReleased            Status = "released"
	StatusRefunded            Status = "refunded"
)

// DisputeWindow is how long a raised dispute may stay unresolved before the
// buyer can reclaim the funds.
const DisputeWindow int64 = 48 * 60 * 60

// Record is one escrow. Times are unix seconds.
type Record struct {
	ID           common.Hash      `json:"id"`
	Buyer        solana.PublicKey `json:"buyer"`
	Seller       solana.PublicKey `json:"seller"`
	TokenMint    solana.PublicKey `json:"tokenMint"`
	Amount       uint64           `json:"amount,string"`
	FeeAmount    uint64           `json:"feeAmount,string"`
	FeeRate      uint64           `json:"feeRate"`
	Status       Status           `json:"status"`
	Expiry       int64            `json:"expiry"`
	MetadataHash common.Hash      `json:"metadataHash"`
	AIAgent      solana.PublicKey `json:"aiAgent"`

	VerificationResult *bool        `json:"verificationResult,omitempty"`
	EvidenceHash       *common.Hash `json:"evidenceHash,omitempty"`
	OracleRequestID    *common.Hash `json:"oracleRequestId,omitempty"`

	DisputeRaised     bool              `json:"disputeRaised"`
	DisputeDeadline   *int64            `json:"disputeDeadline,omitempty"`
	DisputeReasonHash *common.Hash      `json:"disputeReasonHash,omitempty"`
	DisputeInitiator  *solana.PublicKey `json:"disputeInitiator,omitempty"`

	// HoldingRef names the ledger holding created by fund.
	HoldingRef string `json:"holdingRef,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// IsTerminal returns true if no further operation can move the escrow.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusReleased || r.Status == StatusRefunded
}

// HoldsFunds reports whether the record's amount should sit in an open
// ledger holding.
func (r *Record) HoldsFunds() bool {
	switch r.Status {
	case StatusFunded, StatusPendingVerification, StatusVerified, StatusDisputed:
		return true
	}
	return false
}

// IsParty reports whether pk is the buyer or the seller.
func (r *Record) IsParty(pk solana.PublicKey) bool {
	return pk.Equals(r.Buyer) || pk.Equals(r.Seller)
}

// Clone returns a deep copy so transitions never touch a stored record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.VerificationResult != nil {
		v := *r.VerificationResult
		cp.VerificationResult = &v
	}
	cp.EvidenceHash = cloneHash(r.EvidenceHash)
	cp.OracleRequestID = cloneHash(r.OracleRequestID)
	cp.DisputeReasonHash = cloneHash(r.DisputeReasonHash)
	if r.DisputeDeadline != nil {
		d := *r.DisputeDeadline
		cp.DisputeDeadline = &d
	}
	if r.DisputeInitiator != nil {
		pk := *r.DisputeInitiator
		cp.DisputeInitiator = &pk
	}
	return &cp
}

func cloneHash(h *common.Hash) *common.Hash {
	if h == nil {
		return nil
	}
	v := *h
	return &v
}

// Store persists escrow records.
type Store interface {
	// Create fails with ErrEscrowExists when the id is taken.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id common.Hash) (*Record, error)
	Update(ctx context.Context, r *Record) error
	ListByParty(ctx context.Context, party solana.PublicKey, limit int) ([]*Record, error)
	// ListLapsed returns records whose expiry or dispute deadline ran out
	// before now.
	ListLapsed(ctx context.Context, now int64, limit int) ([]*Record, error)
	// ListActive returns records whose funds should be held by the ledger.
	ListActive(ctx context.Context, limit int) ([]*Record, error)
}

// Payout is one credit of a disbursement.
type Payout struct {
	Owner  solana.PublicKey
	Amount uint64
}

// LedgerService abstracts token movements so escrow doesn't import ledger.
// Disburse closes the holding and must apply all payouts or none.
type LedgerService interface {
	Lock(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error
	Disburse(ctx context.Context, authority [32]byte, reference string, payouts []Payout) error
}

// AdminChecker authorizes dispute resolution.
type AdminChecker interface {
	IsAdmin(ctx context.Context, id solana.PublicKey) (bool, error)
}

// CreateParams contains the parameters for creating an escrow.
type CreateParams struct {
	ID           common.Hash
	Buyer        solana.PublicKey
	Seller       solana.PublicKey
	TokenMint    solana.PublicKey
	Amount       uint64
	Expiry       int64
	MetadataHash common.Hash
	AIAgent      solana.PublicKey
}

// Submission is a signed oracle verdict.
type Submission struct {
	Agent        solana.PublicKey
	Result       bool
	EvidenceHash common.Hash
	Timestamp    int64
	Signature    []byte
	RequestID    *common.Hash
}
