package crosschain

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/events"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Inbound is a message delivered to the relay. The concrete types are Call,
// Revert, Abort, VerificationRequest and IdentityAttestation.
type Inbound interface {
	Escrow() common.Hash
	Kind() string
}

// Call carries a relayed Message (on_call).
type Call struct {
	Message Message
}

// Revert reports that a message we sent was reverted on the other chain.
type Revert struct {
	EscrowID common.Hash
	Reason   string
	TxHash   string
}

// Abort reports that the other chain gave up on the escrow.
type Abort struct {
	EscrowID  common.Hash
	Reason    string
	ErrorCode uint32
}

// VerificationRequest moves an active escrow into verification.
type VerificationRequest struct {
	EscrowID  common.Hash
	RequestID common.Hash
}

// IdentityAttestation records the zkMe identity check for the buyer.
type IdentityAttestation struct {
	EscrowID common.Hash
	Verified bool
}

func (m Call) Escrow() common.Hash                { return m.Message.EscrowID }
func (m Revert) Escrow() common.Hash              { return m.EscrowID }
func (m Abort) Escrow() common.Hash               { return m.EscrowID }
func (m VerificationRequest) Escrow() common.Hash { return m.EscrowID }
func (m IdentityAttestation) Escrow() common.Hash { return m.EscrowID }

func (Call) Kind() string                { return "call" }
func (Revert) Kind() string              { return "revert" }
func (Abort) Kind() string               { return "abort" }
func (VerificationRequest) Kind() string { return "verification_request" }
func (IdentityAttestation) Kind() string { return "identity_attestation" }

// Env is what Apply needs from outside the record.
type Env struct {
	LocalChain string
	Now        int64
}

// Result of applying one inbound message. Changed is false when the message
// was an accepted no-op; nothing needs saving then. An unchanged result may
// still carry an Event, which is emitted as a notice with Reason and no
// outbound message.
type Result struct {
	Record   *Record
	Outbound []*Outbound
	Event    events.Type
	Reason   string
	Changed  bool
}

// Apply computes the effect of in on cur, which is nil when no record exists.
// cur is never modified.
func Apply(cur *Record, in Inbound, env Env) (Result, error) {
	switch m := in.(type) {
	case Call:
		switch m.Message.Action {
		case ActionInitiateEscrow:
			return initiate(cur, m.Message, env)
		case ActionVerificationComplete:
			return complete(cur, env)
		default:
			return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, m.Message.Action)
		}
	case Revert:
		return revert(cur, m, env)
	case Abort:
		return abort(cur, m, env)
	case VerificationRequest:
		return requestVerification(cur, m, env)
	case IdentityAttestation:
		return attest(cur, m, env)
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnsupportedAction, in)
	}
}

func initiate(cur *Record, msg Message, env Env) (Result, error) {
	if !validation.IsValidChainName(msg.SourceChain) || !validation.IsValidChainName(msg.DestinationChain) {
		return Result{}, fmt.Errorf("%w: chain names must be 1..%d printable characters", ErrInvalidMessage, validation.MaxChainNameLen)
	}
	if msg.Amount == 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", ErrInvalidMessage)
	}
	if msg.Recipient.IsZero() {
		return Result{}, fmt.Errorf("%w: recipient required", ErrInvalidMessage)
	}

	rec := &Record{ID: msg.EscrowID, CreatedAt: env.Now}
	if cur != nil {
		if cur.IsTerminal() {
			return Result{}, fmt.Errorf("%w: %s", ErrTerminal, cur.Status)
		}
		rec.CreatedAt = cur.CreatedAt
		rec.Nonce = cur.Nonce
	}
	rec.SourceChain = msg.SourceChain
	rec.DestinationChain = msg.DestinationChain
	rec.Buyer = msg.Recipient
	rec.Seller = msg.Counterparty
	rec.Amount = msg.Amount
	rec.Status = StatusActive
	touch(rec, env)
	return Result{Record: rec, Event: events.CrossChainInitiated, Changed: true}, nil
}

func complete(cur *Record, env Env) (Result, error) {
	if cur == nil {
		return Result{}, ErrRecordNotFound
	}
	if cur.Status != StatusVerificationPending {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidState, cur.Status)
	}
	rec := cur.Clone()
	ok := true
	rec.VerificationResult = &ok
	rec.Status = StatusCompleted
	touch(rec, env)

	out := outbound(rec, KindRelease, Message{
		SourceChain:      env.LocalChain,
		DestinationChain: rec.DestinationChain,
		EscrowID:         rec.ID,
		Action:           ActionReleaseEscrow,
		Amount:           rec.Amount,
		Recipient:        rec.Seller,
	}, env)
	return Result{Record: rec, Outbound: []*Outbound{out}, Event: events.CrossChainRelease, Changed: true}, nil
}

func revert(cur *Record, m Revert, env Env) (Result, error) {
	if cur == nil {
		return Result{}, ErrRecordNotFound
	}
	if len(m.TxHash) > validation.MaxTxHashLen {
		return Result{}, fmt.Errorf("%w: tx hash longer than %d", ErrInvalidMessage, validation.MaxTxHashLen)
	}
	if cur.Status == StatusFailed {
		// The refund was queued by the first failure.
		return Result{Record: cur.Clone(), Event: events.CrossChainRefund, Reason: m.Reason}, nil
	}
	rec := cur.Clone()
	rec.Status = StatusFailed
	rec.FailureReason = m.Reason
	if m.TxHash != "" {
		h := m.TxHash
		rec.CrossChainTxHash = &h
	}
	touch(rec, env)

	out := outbound(rec, KindRefund, Message{
		SourceChain:      env.LocalChain,
		DestinationChain: rec.SourceChain,
		EscrowID:         rec.ID,
		Action:           ActionRefundEscrow,
		Amount:           rec.Amount,
		Recipient:        rec.Buyer,
	}, env)
	out.Reason = m.Reason
	return Result{Record: rec, Outbound: []*Outbound{out}, Event: events.CrossChainRefund, Changed: true}, nil
}

func abort(cur *Record, m Abort, env Env) (Result, error) {
	if cur == nil {
		return Result{}, ErrRecordNotFound
	}
	if cur.Status == StatusFailed {
		return Result{Record: cur.Clone(), Event: events.CrossChainAbort, Reason: m.Reason}, nil
	}
	rec := cur.Clone()
	rec.Status = StatusFailed
	rec.FailureReason = m.Reason
	touch(rec, env)

	out := outbound(rec, KindAbort, Message{
		SourceChain:      env.LocalChain,
		DestinationChain: rec.SourceChain,
		EscrowID:         rec.ID,
		Action:           ActionAbortEscrow,
		Amount:           rec.Amount,
		Recipient:        rec.Buyer,
	}, env)
	out.Reason = m.Reason
	code := m.ErrorCode
	out.ErrorCode = &code
	return Result{Record: rec, Outbound: []*Outbound{out}, Event: events.CrossChainAbort, Changed: true}, nil
}

func requestVerification(cur *Record, m VerificationRequest, env Env) (Result, error) {
	if cur == nil {
		return Result{}, ErrRecordNotFound
	}
	if cur.Status != StatusActive {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidState, cur.Status)
	}
	rec := cur.Clone()
	id := m.RequestID
	rec.OracleRequestID = &id
	rec.Status = StatusVerificationPending
	touch(rec, env)
	return Result{Record: rec, Event: events.VerificationRequested, Changed: true}, nil
}

func attest(cur *Record, m IdentityAttestation, env Env) (Result, error) {
	if cur == nil {
		return Result{}, ErrRecordNotFound
	}
	if cur.IsTerminal() {
		return Result{}, fmt.Errorf("%w: %s", ErrTerminal, cur.Status)
	}
	rec := cur.Clone()
	rec.ZkMeVerification = m.Verified
	touch(rec, env)
	return Result{Record: rec, Changed: true}, nil
}

func touch(rec *Record, env Env) {
	rec.Nonce++
	rec.UpdatedAt = env.Now
}

// outbound builds a queued message whose id commits to the escrow, the
// record nonce and the message body.
func outbound(rec *Record, kind Kind, msg Message, env Env) *Outbound {
	return &Outbound{
		ID:        messageID(kind, rec.Nonce, msg),
		Kind:      kind,
		Message:   msg,
		CreatedAt: env.Now,
	}
}

func messageID(kind Kind, nonce uint64, msg Message) common.Hash {
	var n, amt [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	binary.BigEndian.PutUint64(amt[:], msg.Amount)
	return crypto.Keccak256Hash(
		msg.EscrowID[:],
		n[:],
		[]byte(kind),
		lp(msg.SourceChain),
		lp(msg.DestinationChain),
		lp(string(msg.Action)),
		amt[:],
		msg.Recipient[:],
	)
}

// lp length-prefixes variable fields so adjacent strings cannot collide.
func lp(s string) []byte {
	b := make([]byte, 0, 1+len(s))
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// Parties returns the identities a notification about rec should reach.
func Parties(rec *Record) []solana.PublicKey {
	if rec.Seller.IsZero() {
		return []solana.PublicKey{rec.Buyer}
	}
	return []solana.PublicKey{rec.Buyer, rec.Seller}
}
