// Package amount converts between human-readable decimal strings and integer
// base units for an asset with a given number of decimals.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest precision an asset may declare.
const MaxDecimals = 77

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrNegative  = errors.New("negative amount")
	ErrPrecision = errors.New("amount exceeds asset precision")
	ErrDecimals  = errors.New("decimals out of range")
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDecimal parses a plain non-negative decimal string such as "12" or "0.015".
// Exponents, signs and surrounding garbage are rejected.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	if !decimalPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return d, nil
}

// Parse converts a decimal string into base units.
func Parse(s string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	d, err := ParseDecimal(s)
	if err != nil {
		return nil, err
	}
	return FromDecimal(d, decimals)
}

// Format renders base units as the canonical decimal string: no exponent,
// no trailing zeros in the fraction, no trailing dot.
func Format(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return ToDecimal(v, decimals).String()
}

// ToDecimal scales base units down by 10^decimals.
func ToDecimal(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// FromDecimal scales d up by 10^decimals and requires the result to be integral.
func FromDecimal(d decimal.Decimal, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegative, d.String())
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d fractional digits", ErrPrecision, d.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// Canonical is the string form used inside signature payloads.
func Canonical(d decimal.Decimal) string {
	return d.String()
}

// CheckPrecision verifies d fits the asset precision without converting it.
func CheckPrecision(d decimal.Decimal, decimals uint8) error {
	_, err := FromDecimal(d, decimals)
	return err
}
