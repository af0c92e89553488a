// Package auth authenticates API callers by their Ed25519 identity.
//
// Authentication model:
//   - Reads are public.
//   - Mutations carry X-Caller (base58 public key), X-Timestamp (unix seconds)
//     and X-Signature (base58 signature over the canonical request).
//   - The canonical request is method, request URI (path and raw query),
//     timestamp and the Keccak-256 of the body, joined by newlines.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// Errors
var (
	ErrMissingCredentials = errors.New("caller credentials required")
	ErrInvalidCredentials = errors.New("invalid caller credentials")
	ErrStaleRequest       = errors.New("request timestamp outside allowed window")
)

const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// MaxRequestSkew bounds the age of a signed request.
	MaxRequestSkew = 5 * time.Minute
)

// CanonicalRequest returns the bytes a caller signs. uri is the request URI
// as sent, path plus any query string.
func CanonicalRequest(method, uri string, timestamp int64, body []byte) []byte {
	digest := hexutil.Encode(crypto.Keccak256(body))
	return []byte(method + "\n" + uri + "\n" + strconv.FormatInt(timestamp, 10) + "\n" + digest)
}

// Headers holds the three authentication header values.
type Headers struct {
	Caller    string
	Timestamp string
	Signature string
}

// SignRequest produces authentication headers for a request.
func SignRequest(key solana.PrivateKey, method, uri string, timestamp int64, body []byte) (Headers, error) {
	sig, err := key.Sign(CanonicalRequest(method, uri, timestamp, body))
	if err != nil {
		return Headers{}, fmt.Errorf("sign request: %w", err)
	}
	return Headers{
		Caller:    key.PublicKey().String(),
		Timestamp: strconv.FormatInt(timestamp, 10),
		Signature: sig.String(),
	}, nil
}

// VerifyRequest checks h against the request and returns the caller identity.
func VerifyRequest(h Headers, method, uri string, body []byte, now time.Time) (solana.PublicKey, error) {
	if h.Caller == "" || h.Timestamp == "" || h.Signature == "" {
		return solana.PublicKey{}, ErrMissingCredentials
	}

	caller, err := solana.PublicKeyFromBase58(h.Caller)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: caller: %v", ErrInvalidCredentials, err)
	}
	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidCredentials, err)
	}
	sig, err := solana.SignatureFromBase58(h.Signature)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: signature: %v", ErrInvalidCredentials, err)
	}

	if !sig.Verify(caller, CanonicalRequest(method, uri, ts, body)) {
		return solana.PublicKey{}, ErrInvalidCredentials
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < -MaxRequestSkew || skew > MaxRequestSkew {
		return solana.PublicKey{}, ErrStaleRequest
	}
	return caller, nil
}
