package fees

import (
	"errors"
	"math"
	"testing"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name   string
		amount uint64
		rate   uint64
		want   uint64
	}{
		{"two percent of a million", 1_000_000, 2, 20_000},
		{"ten percent of a million", 1_000_000, 10, 100_000},
		{"floors fractional fee", 149, 2, 2},
		{"small amount rounds to zero", 49, 2, 0},
		{"zero amount", 0, 2, 0},
		{"zero rate", 1_000_000, 0, 0},
		{"full rate", 777, 100, 777},
		{"largest amount without overflow at 10%", math.MaxUint64 / 10, 10, (math.MaxUint64 / 10) * 10 / 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.amount, tt.rate)
			if err != nil {
				t.Fatalf("Compute(%d, %d) failed: %v", tt.amount, tt.rate, err)
			}
			if got != tt.want {
				t.Errorf("Compute(%d, %d) = %d, want %d", tt.amount, tt.rate, got, tt.want)
			}
			if got > tt.amount {
				t.Errorf("fee %d exceeds amount %d", got, tt.amount)
			}
		})
	}
}

func TestCompute_Overflow(t *testing.T) {
	for _, rate := range []uint64{2, 10} {
		if _, err := Compute(math.MaxUint64, rate); !errors.Is(err, ErrMathOverflow) {
			t.Errorf("rate %d: expected ErrMathOverflow, got %v", rate, err)
		}
	}

	// One past the boundary for 10%.
	if _, err := Compute(math.MaxUint64/10+1, 10); !errors.Is(err, ErrMathOverflow) {
		t.Errorf("expected ErrMathOverflow just past the boundary, got %v", err)
	}
}

func TestCompute_InvalidRate(t *testing.T) {
	if _, err := Compute(100, 101); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
}

func TestNet(t *testing.T) {
	got, err := Net(1_000_000, 20_000)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if got != 980_000 {
		t.Errorf("expected 980000, got %d", got)
	}

	if _, err := Net(10, 11); !errors.Is(err, ErrMathOverflow) {
		t.Errorf("expected ErrMathOverflow on underflow, got %v", err)
	}
}

func TestCalculator_Split(t *testing.T) {
	c, err := NewCalculator(DefaultRatePercent)
	if err != nil {
		t.Fatalf("NewCalculator failed: %v", err)
	}

	seller, fee, err := c.Split(1_000_000)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if fee != 20_000 || seller != 980_000 {
		t.Errorf("expected 980000/20000, got %d/%d", seller, fee)
	}
	if seller+fee != 1_000_000 {
		t.Errorf("shares do not sum to amount: %d", seller+fee)
	}
}

func TestNewCalculator_RejectsRateAbove100(t *testing.T) {
	if _, err := NewCalculator(150); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
}

func TestCompute_FeeNeverExceedsAmount(t *testing.T) {
	amounts := []uint64{1, 7, 99, 100, 101, 12345, 1 << 40, math.MaxUint64 / 100}
	for _, amount := range amounts {
		for _, rate := range []uint64{2, 10} {
			fee, err := Compute(amount, rate)
			if err != nil {
				t.Fatalf("Compute(%d, %d) failed: %v", amount, rate, err)
			}
			if fee > amount {
				t.Errorf("Compute(%d, %d) = %d exceeds amount", amount, rate, fee)
			}
			if want := amount * rate / 100; fee != want {
				t.Errorf("Compute(%d, %d) = %d, want %d", amount, rate, fee, want)
			}
		}
	}
}
