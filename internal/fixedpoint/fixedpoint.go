// Package fixedpoint provides the 10^18 scale and overflow-checked 256-bit
// arithmetic used for every multiplier and balance in the ledger.
//
// All division truncates toward zero. Callers rely on that rounding
// direction: a truncated share can never hand out more than was received.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional decimal digits represented by Scale.
const Decimals = 18

// Scale is 10^18. Treat it as read-only.
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Add returns x+y, failing instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%s + %s: %w", x.Dec(), y.Dec(), ErrOverflow)
	}
	return z, nil
}

// Sub returns x-y, failing when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%s - %s: %w", x.Dec(), y.Dec(), ErrUnderflow)
	}
	return z, nil
}

// MulDiv returns x*y/d truncated. The product is computed at 512-bit
// precision so only a result that does not fit 256 bits overflows.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%s * %s / %s: %w", x.Dec(), y.Dec(), d.Dec(), ErrOverflow)
	}
	return z, nil
}

// Units converts a whole number of tokens into scaled base units.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Scale)
}

// ParseUnits parses a decimal string such as "12.5" into scaled base units.
// At most Decimals fractional digits are accepted.
func ParseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", ""))
	if s == "" {
		return nil, fmt.Errorf("parse units: empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("parse units %q: more than %d decimals", s, Decimals)
	}
	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return Zero(), nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("parse units %q: %w", s, err)
	}
	return v, nil
}

// FormatUnits renders scaled base units as a decimal string with trailing
// fractional zeros trimmed, e.g. 1.5*10^18 -> "1.5".
func FormatUnits(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	whole, rem := new(uint256.Int).DivMod(v, Scale, new(uint256.Int))
	if rem.IsZero() {
		return whole.Dec()
	}
	frac := rem.Dec()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	return whole.Dec() + "." + strings.TrimRight(frac, "0")
}
