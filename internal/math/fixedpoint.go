package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// TokenConfig is the escrow token's native precision (ERC-20 style, 18 decimals).
	TokenConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}

	// BidGridConfig is the finest granularity a raw bid amount may use (0.01 token).
	BidGridConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}
)

var (
	ErrInvalidDecimal = errors.New("invalid decimal amount")
	ErrNegative       = errors.New("amount must not be negative")
	ErrTooPrecise     = errors.New("amount has more decimal places than allowed")
	ErrTooLarge       = errors.New("amount is too large")
)

const (
	// maxDecimalLen bounds the textual input so parsing cost stays constant.
	maxDecimalLen = 100
	// maxBaseUnitDigits caps base-unit magnitude near uint256 (78 digits).
	maxBaseUnitDigits = 78
)

// Scratch big.Ints for remainder checks
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

// ParseQuantity parses a human decimal string ("1.55") into base units of cfg.
// Never rounds: digits beyond cfg.DecimalPrecision are an error.
// Exponent notation ("1e18") is refused and base units are capped at 78 digits.
func ParseQuantity(s string, cfg DecimalConfig) (Quantity, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxDecimalLen || strings.ContainsAny(s, "eE") {
		return Quantity{}, fmt.Errorf("%w: %.24q", ErrInvalidDecimal, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if d.Sign() < 0 {
		return Quantity{}, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	if !d.IsZero() && d.NumDigits()+int(d.Exponent())+int(cfg.DecimalPrecision) > maxBaseUnitDigits {
		return Quantity{}, fmt.Errorf("%w: %q", ErrTooLarge, s)
	}

	shifted := d.Shift(cfg.DecimalPrecision)
	if !shifted.IsInteger() {
		return Quantity{}, fmt.Errorf("%w: %q (max %d)", ErrTooPrecise, s, cfg.DecimalPrecision)
	}

	return NewQuantity(shifted.BigInt()), nil
}

// MustParseQuantity is ParseQuantity for constants and tests.
func MustParseQuantity(s string, cfg DecimalConfig) Quantity {
	q, err := ParseQuantity(s, cfg)
	if err != nil {
		panic(err)
	}
	return q
}

// FormatQuantity renders base units of cfg as a trimmed decimal string.
func FormatQuantity(q Quantity, cfg DecimalConfig) string {
	return decimal.NewFromBigInt(q.bigOrZero(), -cfg.DecimalPrecision).String()
}

// FitsGrid reports whether q (in base units of native) has no digits below
// the grid precision, e.g. 1.55 fits a 2-decimal grid and 1.551 does not.
func FitsGrid(q Quantity, native, grid DecimalConfig) bool {
	if grid.DecimalPrecision >= native.DecimalPrecision {
		return true
	}

	step := Pow10(native.DecimalPrecision - grid.DecimalPrecision)
	rem := getBig()
	defer putBig(rem)

	rem.Mod(q.bigOrZero(), step)
	return rem.Sign() == 0
}

// IsMultipleOf reports whether q is an exact multiple of a positive unit.
func IsMultipleOf(q, unit Quantity) bool {
	if unit.Sign() <= 0 {
		return false
	}

	rem := getBig()
	defer putBig(rem)

	rem.Mod(q.bigOrZero(), unit.bigOrZero())
	return rem.Sign() == 0
}

// Pow10 returns 10^n as a fresh big.Int.
func Pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
