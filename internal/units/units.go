// Package units converts between display amounts and integer base units
// (lamports for SOL, decimal-scaled integers for SPL mints) and provides the
// floor-biased integer helpers the ledger math is built on.
//
// Every value that takes part in PnL arithmetic is an integer-valued
// decimal.Decimal. Floats only appear at the display boundary.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// SOLDecimals is the number of decimals of the native currency.
	SOLDecimals = 9

	// FXDecimals is the fixed-point precision of FX rates.
	FXDecimals = 6

	// MaxDecimals bounds the decimals accepted for a mint.
	MaxDecimals = 36
)

var (
	// ErrInvalidAmount is returned for non-finite amounts, negative
	// decimals or values that are not whole base units.
	ErrInvalidAmount = errors.New("units: invalid amount")

	// LamportsPerSOL is 10^9.
	LamportsPerSOL = decimal.New(1, SOLDecimals)

	// FXScale is the scale applied to FX rates (10^6).
	FXScale = decimal.New(1, FXDecimals)
)

// ToBaseUnits scales a display amount by 10^decimals and rounds half away
// from zero to the nearest integer.
func ToBaseUnits(display decimal.Decimal, decimals int) (decimal.Decimal, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return decimal.Zero, fmt.Errorf("%w: decimals %d out of range", ErrInvalidAmount, decimals)
	}
	return display.Shift(int32(decimals)).Round(0), nil
}

// ToBaseUnitsFloat is ToBaseUnits for float input coming from external
// APIs. NaN and ±Inf are rejected.
func ToBaseUnitsFloat(display float64, decimals int) (decimal.Decimal, error) {
	if math.IsNaN(display) || math.IsInf(display, 0) {
		return decimal.Zero, fmt.Errorf("%w: non-finite value %v", ErrInvalidAmount, display)
	}
	return ToBaseUnits(decimal.NewFromFloat(display), decimals)
}

// FromBaseUnits divides by 10^decimals. The result is for display only and
// must not be fed back into ledger math.
func FromBaseUnits(base decimal.Decimal, decimals int) decimal.Decimal {
	return base.Shift(-int32(decimals))
}

// ParseBaseUnits parses an integer base-unit string such as "1500000".
func ParseBaseUnits(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	if !IsWhole(d) {
		return decimal.Zero, fmt.Errorf("%w: %s is not a whole number of base units", ErrInvalidAmount, s)
	}
	return d.Truncate(0), nil
}

// ParseFXRate converts a display FX rate ("150.25") into its scaled
// integer form (150250000).
func ParseFXRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: fx rate %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: fx rate must be positive, got %s", ErrInvalidAmount, s)
	}
	return ToBaseUnits(d, FXDecimals)
}

// ToReporting converts a native amount to the reporting currency using a
// scaled FX rate: floor(amount * fx / FXScale).
func ToReporting(amount, fx decimal.Decimal) decimal.Decimal {
	return MulDivFloor(amount, fx, FXScale)
}

// MulDivFloor returns floor(a * b / c) computed exactly on big integers.
// a, b and c must be whole numbers and c must be positive; fractional
// inputs are truncated toward zero first.
func MulDivFloor(a, b, c decimal.Decimal) decimal.Decimal {
	num := new(big.Int).Mul(a.BigInt(), b.BigInt())
	// Euclidean division equals floor division for a positive divisor.
	q := new(big.Int).Div(num, c.BigInt())
	return decimal.NewFromBigInt(q, 0)
}

// IsWhole reports whether d has no fractional part.
func IsWhole(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}
