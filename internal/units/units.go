// Package units converts between decimal token amounts and integer base units.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid token amount")
	ErrPrecision     = errors.New("amount has more decimal places than the token supports")
	ErrOutOfRange    = errors.New("amount exceeds u64 base units")
)

// DefaultDecimals applies to mints without a registered precision (USDC-style).
const DefaultDecimals = 6

// MaxDecimals bounds token precision.
const MaxDecimals = 18

var maxBase = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ToBase converts a decimal string such as "12.5" to base units.
func ToBase(amount string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	base := d.Shift(decimals)
	if !base.IsInteger() {
		return 0, fmt.Errorf("%w: %s at %d decimals", ErrPrecision, amount, decimals)
	}
	if base.GreaterThan(maxBase) {
		return 0, ErrOutOfRange
	}
	return base.BigInt().Uint64(), nil
}

// FromBase renders base units as a decimal string.
func FromBase(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).String()
}

// Tokens maps mints to their decimal precision.
type Tokens struct {
	mu       sync.RWMutex
	decimals map[solana.PublicKey]int32
}

// NewTokens creates an empty registry.
func NewTokens() *Tokens {
	return &Tokens{decimals: make(map[solana.PublicKey]int32)}
}

// Register records a mint's precision.
func (t *Tokens) Register(mint solana.PublicKey, decimals int32) error {
	if decimals < 0 || decimals > MaxDecimals {
		return fmt.Errorf("decimals %d out of range [0,%d]", decimals, MaxDecimals)
	}
	t.mu.Lock()
	t.decimals[mint] = decimals
	t.mu.Unlock()
	return nil
}

// Decimals returns a mint's precision, or DefaultDecimals if unregistered.
func (t *Tokens) Decimals(mint solana.PublicKey) int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.decimals[mint]; ok {
		return d
	}
	return DefaultDecimals
}

// ToBase converts amount using mint's precision.
func (t *Tokens) ToBase(mint solana.PublicKey, amount string) (uint64, error) {
	return ToBase(amount, t.Decimals(mint))
}

// FromBase renders v using mint's precision.
func (t *Tokens) FromBase(mint solana.PublicKey, v uint64) string {
	return FromBase(v, t.Decimals(mint))
}
