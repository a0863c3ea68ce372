package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of native currency amounts (wei).
const NativeDecimals = 18

// MaxAmountDigits bounds every parsed amount to the uint256 range.
const MaxAmountDigits = 78

// ParseUnits converts a decimal string such as "1.5" into base units with the
// given precision. Fractions finer than the precision are rejected.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	// Bound the exponent before Shift and BigInt materialize it.
	exp := int64(d.Exponent())
	if exp < -MaxAmountDigits || exp+int64(decimals) > MaxAmountDigits ||
		int64(len(d.Coefficient().String()))+exp+int64(decimals) > MaxAmountDigits {
		return nil, fmt.Errorf("%w: %q exceeds %d digits", ErrInvalidAmount, s, MaxAmountDigits)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as a decimal string with the given precision.
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// ParseInteger parses a non-negative base-10 integer amount.
func ParseInteger(s string) (*big.Int, error) {
	if len(s) > MaxAmountDigits+1 {
		return nil, fmt.Errorf("%w: %q exceeds %d digits", ErrInvalidAmount, s, MaxAmountDigits)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	return v, nil
}
