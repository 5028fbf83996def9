package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const bpsDenominator = 10000

// Mul returns a*b for non-negative minor-unit amounts, failing instead of
// wrapping on overflow.
func Mul(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative operand %d*%d", ErrInvalidAmount, a, b)
	}
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, fmt.Errorf("%w: %d*%d", ErrAmountOverflow, a, b)
	}
	return a * b, nil
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount, bps int64) (int64, error) {
	if bps <= 0 || amount == 0 {
		return 0, nil
	}
	product, err := Mul(amount, bps)
	if err != nil {
		return 0, err
	}
	return product / bpsDenominator, nil
}

// ScaleUpBps returns ceil(amount*(10000+bps)/10000).
func ScaleUpBps(amount, bps int64) (int64, error) {
	if bps < 0 {
		bps = 0
	}
	product, err := Mul(amount, bpsDenominator+bps)
	if err != nil {
		return 0, err
	}
	scaled := product / bpsDenominator
	if product%bpsDenominator != 0 {
		scaled++
	}
	return scaled, nil
}

// ParseUnits parses a decimal string holding an integral count of minor
// units, e.g. "150" or "150.000".
func ParseUnits(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrMalformedEvent)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrMalformedEvent, raw, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q is not integral", ErrMalformedEvent, raw)
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrMalformedEvent, raw)
	}
	return d.IntPart(), nil
}

// FormatUnits renders minor units as a decimal string with the asset's scale.
func FormatUnits(units int64, decimals int32) string {
	return decimal.New(units, -decimals).StringFixed(decimals)
}

// FormatPrice renders a price held as quote minor units per base minor unit
// as quote per whole base unit, at the quote asset's scale.
func FormatPrice(price int64, baseDecimals, quoteDecimals int32) string {
	return decimal.New(price, baseDecimals-quoteDecimals).StringFixed(quoteDecimals)
}

// ToUnits converts a display amount such as "1.5" into minor units of an
// asset with the given scale. Amounts finer than the scale are rejected.
func ToUnits(display string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(display))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidAmount, display, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q exceeds %d decimals", ErrInvalidAmount, display, decimals)
	}
	if shifted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || shifted.IsNegative() {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalidAmount, display)
	}
	return shifted.IntPart(), nil
}
