// Package crosschain runs the universal escrow: an escrow whose lifecycle is
// driven by messages relayed from other chains rather than direct calls.
//
// Inbound messages are applied to a record by the pure Apply function, which
// also produces the outbound messages to relay back. The Service commits the
// record and its outbound messages together; delivering the outbox is left to
// the transport.
package crosschain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrRecordNotFound      = errors.New("universal escrow not found")
	ErrInvalidState        = errors.New("invalid universal escrow status")
	ErrUnsupportedAction   = errors.New("unsupported cross-chain action")
	ErrTerminal            = errors.New("universal escrow is settled")
	ErrInvalidMessage      = errors.New("invalid cross-chain message")
	ErrUnauthorizedGateway = errors.New("caller is not the cross-chain gateway")
)

// DefaultLocalChain names this side of the relay in outbound messages.
const DefaultLocalChain = "solana"

// MaxReasonLen bounds revert and abort reasons.
const MaxReasonLen = 256

// Status of a universal escrow.
type Status string

const (
	StatusActive              Status = "active"
	StatusVerificationPending Status = "verification_pending"
	StatusCompleted           Status = "completed"
	StatusRefunded            Status = "refunded"
	StatusFailed              Status = "failed"
)

// Action is the operation a relayed message asks for.
type Action string

const (
	ActionInitiateEscrow       Action = "initiate_escrow"
	ActionReleaseEscrow        Action = "release_escrow"
	ActionRefundEscrow         Action = "refund_escrow"
	ActionVerificationComplete Action = "verification_complete"
	ActionAbortEscrow          Action = "abort_escrow"
)

// Message is the cross-chain payload, inbound or outbound.
type Message struct {
	SourceChain      string           `json:"sourceChain"`
	DestinationChain string           `json:"destinationChain"`
	EscrowID         common.Hash      `json:"escrowId"`
	Action           Action           `json:"action"`
	Amount           uint64           `json:"amount,string"`
	Recipient        solana.PublicKey `json:"recipient"`
	// Counterparty is the seller on InitiateEscrow.
	Counterparty solana.PublicKey `json:"counterparty"`
}

// Record is one universal escrow. Times are unix seconds.
type Record struct {
	ID                 common.Hash      `json:"id"`
	SourceChain        string           `json:"sourceChain"`
	DestinationChain   string           `json:"destinationChain"`
	Buyer              solana.PublicKey `json:"buyer"`
	Seller             solana.PublicKey `json:"seller"`
	Amount             uint64           `json:"amount,string"`
	Status             Status           `json:"status"`
	VerificationResult *bool            `json:"verificationResult,omitempty"`
	ZkMeVerification   bool             `json:"zkmeVerification"`
	CrossChainTxHash   *string          `json:"crossChainTxHash,omitempty"`
	OracleRequestID    *common.Hash     `json:"oracleRequestId,omitempty"`
	FailureReason      string           `json:"failureReason,omitempty"`
	// Nonce counts applied messages; it keeps outbound ids unique.
	Nonce     uint64 `json:"nonce"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// IsTerminal reports whether no further message can move the record.
func (r *Record) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	if r.VerificationResult != nil {
		v := *r.VerificationResult
		cp.VerificationResult = &v
	}
	if r.CrossChainTxHash != nil {
		h := *r.CrossChainTxHash
		cp.CrossChainTxHash = &h
	}
	if r.OracleRequestID != nil {
		id := *r.OracleRequestID
		cp.OracleRequestID = &id
	}
	return &cp
}

// Kind classifies outbound messages.
type Kind string

const (
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
	KindAbort   Kind = "abort"
)

// Outbound is a message queued for the transport. Seq is assigned by the
// store and orders the outbox.
type Outbound struct {
	Seq       int64       `json:"seq"`
	ID        common.Hash `json:"id"`
	Kind      Kind        `json:"kind"`
	Message   Message     `json:"message"`
	Reason    string      `json:"reason,omitempty"`
	ErrorCode *uint32     `json:"errorCode,omitempty"`
	CreatedAt int64       `json:"createdAt"`
}

// OutboxFilter selects outbound messages.
type OutboxFilter struct {
	EscrowID *common.Hash
	AfterSeq int64
	Limit    int
}

// Store persists universal escrows and the outbox.
type Store interface {
	Get(ctx context.Context, id common.Hash) (*Record, error)
	// Save writes the record and appends outbound in one transaction,
	// assigning each outbound message its Seq.
	Save(ctx context.Context, r *Record, outbound []*Outbound) error
	ListOutbox(ctx context.Context, f OutboxFilter) ([]*Outbound, error)
}
