// Package oracle verifies signed verification payloads produced by the
// AI agent that arbitrates an escrow.
//
// The agent signs a fixed 73-byte message:
//
//	escrow_id (32) || result (1) || evidence_hash (32) || timestamp (8, little-endian, signed)
//
// A payload is accepted only when the Ed25519 signature verifies under the
// escrow's registered agent key and the timestamp is within MaxClockSkew of
// the verifier's clock.
package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrTimestampTooOld   = errors.New("timestamp outside freshness window")
	ErrMalformedMessage  = errors.New("malformed verification message")
	ErrUnauthorizedAgent = errors.New("signer is not the escrow's registered agent")
)

const (
	// MessageLen is the exact size of the canonical payload.
	MessageLen = 32 + 1 + 32 + 8

	// SignatureLen is the size of an Ed25519 signature.
	SignatureLen = 64

	// MaxClockSkew bounds |now - timestamp|.
	MaxClockSkew = 300 * time.Second
)

// Payload is the attestation the agent signs.
type Payload struct {
	EscrowID     common.Hash `json:"escrowId"`
	Result       bool        `json:"result"`
	EvidenceHash common.Hash `json:"evidenceHash"`
	Timestamp    int64       `json:"timestamp"`
}

// Message returns the canonical byte encoding of p.
func (p Payload) Message() []byte {
	msg := make([]byte, MessageLen)
	copy(msg[0:32], p.EscrowID[:])
	if p.Result {
		msg[32] = 1
	}
	copy(msg[33:65], p.EvidenceHash[:])
	binary.LittleEndian.PutUint64(msg[65:73], uint64(p.Timestamp))
	return msg
}

// ParseMessage decodes a canonical message. Any result byte other than 0 or 1
// is rejected so that two different encodings never map to the same payload.
func ParseMessage(msg []byte) (Payload, error) {
	if len(msg) != MessageLen {
		return Payload{}, fmt.Errorf("%w: length %d", ErrMalformedMessage, len(msg))
	}
	var p Payload
	copy(p.EscrowID[:], msg[0:32])
	switch msg[32] {
	case 0:
	case 1:
		p.Result = true
	default:
		return Payload{}, fmt.Errorf("%w: result byte %d", ErrMalformedMessage, msg[32])
	}
	copy(p.EvidenceHash[:], msg[33:65])
	p.Timestamp = int64(binary.LittleEndian.Uint64(msg[65:73]))
	return p, nil
}

// Verifier checks agent signatures and payload freshness.
type Verifier struct {
	maxSkew uint64
}

// NewVerifier creates a verifier with the default freshness window.
func NewVerifier() *Verifier {
	return &Verifier{maxSkew: uint64(MaxClockSkew / time.Second)}
}

// WithMaxSkew overrides the freshness window.
func (v *Verifier) WithMaxSkew(d time.Duration) *Verifier {
	v.maxSkew = uint64(d / time.Second)
	return v
}

// Verify checks that signature is a valid Ed25519 signature by agent over
// p.Message() and that p.Timestamp is within the freshness window around now
// (unix seconds). Both checks always run; a bad signature is reported ahead of
// a stale timestamp.
func (v *Verifier) Verify(agent solana.PublicKey, p Payload, signature []byte, now int64) error {
	sigOK := VerifySignature(agent, p.Message(), signature)
	fresh := v.Fresh(p.Timestamp, now)

	if !sigOK {
		return ErrInvalidSignature
	}
	if !fresh {
		return fmt.Errorf("%w: timestamp %d, now %d", ErrTimestampTooOld, p.Timestamp, now)
	}
	return nil
}

// Fresh reports whether |now - ts| <= the configured skew. The distance is
// computed in uint64 so extreme timestamps cannot wrap into the window.
func (v *Verifier) Fresh(ts, now int64) bool {
	var dist uint64
	if now >= ts {
		dist = uint64(now) - uint64(ts)
	} else {
		dist = uint64(ts) - uint64(now)
	}
	return dist <= v.maxSkew
}

// VerifySignature performs a full Ed25519 verification. A signature of the
// wrong length never verifies.
func VerifySignature(agent solana.PublicKey, msg, signature []byte) bool {
	if len(signature) != SignatureLen {
		return false
	}
	var sig solana.Signature
	copy(sig[:], signature)
	return sig.Verify(agent, msg)
}

// Sign produces the agent signature for p.
func Sign(key solana.PrivateKey, p Payload) ([]byte, error) {
	sig, err := key.Sign(p.Message())
	if err != nil {
		return nil, fmt.Errorf("sign verification payload: %w", err)
	}
	return sig[:], nil
}
