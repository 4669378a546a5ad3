/*
This file contains conversions between raw on-chain token amounts (base units) and the
human-denominated decimals used for configuration, ledger records and API responses.
*/

package utils

import (
	"errors"
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrConversionFailed = errors.New("conversion failed")
)

// MaxDecimals bounds token precision; SPL mints use at most 9 but wads use 18.
const MaxDecimals = 18

// Wad is the fixed-point scale used by lending programs.
var Wad = sdkmath.NewIntWithDecimal(1, 18)

func validatePrecision(decimals int) error {
	if decimals < 0 || decimals > MaxDecimals {
		return fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPrecision, decimals, MaxDecimals)
	}
	return nil
}

// BaseUnitsToDecimal converts raw token units to human units, e.g. 1500000 with 6 decimals is 1.5.
func BaseUnitsToDecimal(amount sdkmath.Int, decimals int) (decimal.Decimal, error) {
	if err := validatePrecision(decimals); err != nil {
		return decimal.Zero, err
	}
	if amount.IsNil() {
		return decimal.Zero, ErrAmountNil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrAmountNegative
	}
	return decimal.NewFromBigInt(amount.BigInt(), -int32(decimals)), nil
}

// DecimalToBaseUnits converts human units to raw token units, truncating anything finer
// than the mint's precision.
func DecimalToBaseUnits(amount decimal.Decimal, decimals int) (sdkmath.Int, error) {
	if err := validatePrecision(decimals); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if amount.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	raw := amount.Shift(int32(decimals)).Truncate(0).BigInt()
	return sdkmath.NewIntFromBigInt(raw), nil
}

// ParseBaseUnits parses an unsigned integer string such as "1500000".
func ParseBaseUnits(s string) (sdkmath.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %q is not an integer", ErrConversionFailed, s)
	}
	if v.Sign() < 0 {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	return sdkmath.NewIntFromBigInt(v), nil
}

// RoundDownCents truncates to two decimal places, never rounding up.
func RoundDownCents(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundFloor(2)
}

// WadsToInt converts a 1e18-scaled value to whole units, truncating.
func WadsToInt(wads sdkmath.Int) sdkmath.Int {
	return wads.Quo(Wad)
}
