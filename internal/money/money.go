package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPrecision indicates an amount with more than two fractional digits.
var ErrPrecision = errors.New("amount must have at most 2 fractional digits")

// ErrRange indicates an amount whose minor-unit value does not fit in int64.
var ErrRange = errors.New("amount out of range")

// Amount is a fixed-point monetary value held as minor units (cents).
// Arithmetic on Amount is exact; decimal conversion happens only at the
// parse/format boundary.
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// Parse converts a decimal string such as "1000.00" into an Amount. Inputs
// carrying more than two fractional digits are rejected, never rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal value into an Amount, enforcing the
// two-fractional-digit contract.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.Exponent() < -2 {
		return 0, ErrPrecision
	}
	shifted := d.Shift(2)
	if !shifted.BigInt().IsInt64() {
		return 0, ErrRange
	}
	return Amount(shifted.IntPart()), nil
}

// FromMinorUnits wraps an already-scaled integer value.
func FromMinorUnits(v int64) Amount {
	return Amount(v)
}

// MinorUnits returns the raw scaled integer value.
func (a Amount) MinorUnits() int64 {
	return int64(a)
}

// Decimal returns the amount as a two-place decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// Positive reports whether the amount is strictly greater than zero.
func (a Amount) Positive() bool {
	return a > 0
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}
