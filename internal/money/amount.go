package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitsPerMajor is the number of minor units (kobo) in one major unit (naira).
const MinorUnitsPerMajor = 100

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrAmountPrecision = errors.New("amount has more than two decimal places")
	ErrAmountOverflow  = errors.New("amount out of range")
)

// Amount is a monetary quantity in minor units. Balances and ledger amounts
// are always carried as Amount, never as floating point.
type Amount int64

// FromDecimal converts a major-unit decimal (e.g. 150.25) into minor units.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, ErrAmountPrecision
	}
	if minor.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, ErrAmountOverflow
	}
	return Amount(minor.IntPart()), nil
}

// ParseMajor parses a major-unit string such as "5000" or "49.99".
func ParseMajor(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// String formats the amount in major units with two decimals.
func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// Positive reports whether the amount is strictly greater than zero.
func (a Amount) Positive() bool {
	return a > 0
}

// AtLeast reports whether the amount is positive and not below min.
func (a Amount) AtLeast(min Amount) bool {
	return a.Positive() && a >= min
}
