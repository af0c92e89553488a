// Package fees computes the protocol fee retained on released escrows.
//
// All arithmetic is done on unsigned 64-bit amounts (token base units).
// Intermediate products are evaluated in 256 bits so overflow is detected
// instead of silently wrapping.
package fees

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrMathOverflow = errors.New("math overflow")
	ErrInvalidRate  = errors.New("fee rate must be between 0 and 100 percent")
)

const (
	// DefaultRatePercent is the fee rate used when a deployment does not set one.
	DefaultRatePercent uint64 = 2

	// MaxRatePercent keeps fee_amount <= amount.
	MaxRatePercent uint64 = 100
)

var hundred = uint256.NewInt(100)

// Compute returns floor(amount * ratePercent / 100). The multiplication is
// checked against the u64 domain before dividing.
func Compute(amount, ratePercent uint64) (uint64, error) {
	if ratePercent > MaxRatePercent {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRate, ratePercent)
	}

	var product uint256.Int
	if _, overflow := product.MulOverflow(uint256.NewInt(amount), uint256.NewInt(ratePercent)); overflow || !product.IsUint64() {
		return 0, ErrMathOverflow
	}
	product.Div(&product, hundred)
	return product.Uint64(), nil
}

// Net returns amount - fee, failing if the subtraction would underflow.
func Net(amount, fee uint64) (uint64, error) {
	var out uint256.Int
	if _, underflow := out.SubOverflow(uint256.NewInt(amount), uint256.NewInt(fee)); underflow {
		return 0, ErrMathOverflow
	}
	return out.Uint64(), nil
}

// Calculator applies a fixed deployment-wide rate.
type Calculator struct {
	rate uint64
}

// NewCalculator validates the rate once so per-escrow calls can't drift.
func NewCalculator(ratePercent uint64) (*Calculator, error) {
	if ratePercent > MaxRatePercent {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, ratePercent)
	}
	return &Calculator{rate: ratePercent}, nil
}

// Rate returns the configured percentage.
func (c *Calculator) Rate() uint64 {
	return c.rate
}

// Fee returns the protocol fee for amount.
func (c *Calculator) Fee(amount uint64) (uint64, error) {
	return Compute(amount, c.rate)
}

// Split returns the seller and treasury shares of amount.
func (c *Calculator) Split(amount uint64) (seller, fee uint64, err error) {
	fee, err = c.Fee(amount)
	if err != nil {
		return 0, 0, err
	}
	seller, err = Net(amount, fee)
	if err != nil {
		return 0, 0, err
	}
	return seller, fee, nil
}
