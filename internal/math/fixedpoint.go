package math

import (
	"fmt"

	"StakeLedger/internal/errs"

	"github.com/holiman/uint256"
)

// ScaleDecimals is the precision of rate numerators. A rate equal to Scale is 100%.
const ScaleDecimals = 18

// Scale returns a fresh copy of 10^ScaleDecimals.
func Scale() *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(ScaleDecimals))
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulDiv computes a * b / denominator with a 512-bit intermediate product.
// The result must fit in 256 bits.
func MulDiv(a, b, denominator *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, fmt.Errorf("muldiv %s*%s/0: %w", a.Dec(), b.Dec(), errs.ErrDivideByZero)
	}

	quotient, overflow := new(uint256.Int).MulDivOverflow(a, b, denominator)
	if overflow {
		return nil, fmt.Errorf("muldiv %s*%s/%s: %w", a.Dec(), b.Dec(), denominator.Dec(), errs.ErrOverflow)
	}

	if mode == RoundUp {
		// Non-zero remainder means the floor dropped a fraction
		product := new(uint256.Int)
		product.MulMod(a, b, denominator)
		if !product.IsZero() {
			if quotient.Eq(maxUint256) {
				return nil, fmt.Errorf("muldiv round up: %w", errs.ErrOverflow)
			}
			quotient.AddUint64(quotient, 1)
		}
	}

	return quotient, nil
}

var maxUint256 = new(uint256.Int).SetAllOne()

// Add returns a + b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("add %s+%s: %w", a.Dec(), b.Dec(), errs.ErrOverflow)
	}
	return sum, nil
}

// Sub returns a - b or ErrOverflow on underflow.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("sub %s-%s: %w", a.Dec(), b.Dec(), errs.ErrOverflow)
	}
	return diff, nil
}

// Sum adds every value, failing on overflow.
func Sum(values []*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, v := range values {
		next, err := Add(total, v)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}
