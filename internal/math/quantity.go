package math

import (
	"fmt"
	"math/big"
)

// Quantity is an exact integer amount of token base units.
// The zero value is 0. Values are immutable; arithmetic returns new values.
type Quantity struct {
	base *big.Int
}

// NewQuantity copies v into a Quantity.
func NewQuantity(v *big.Int) Quantity {
	if v == nil {
		return Quantity{}
	}
	return Quantity{base: new(big.Int).Set(v)}
}

// QuantityFromInt64 builds a Quantity from a base-unit count.
func QuantityFromInt64(v int64) Quantity {
	return Quantity{base: big.NewInt(v)}
}

// QuantityFromString parses a base-unit integer string ("1550000000000000000").
func QuantityFromString(s string) (Quantity, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Quantity{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	return Quantity{base: v}, nil
}

func (q Quantity) bigOrZero() *big.Int {
	if q.base == nil {
		return new(big.Int)
	}
	return q.base
}

// BigInt returns a copy of the base-unit value.
func (q Quantity) BigInt() *big.Int {
	return new(big.Int).Set(q.bigOrZero())
}

func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{base: new(big.Int).Add(q.bigOrZero(), o.bigOrZero())}
}

func (q Quantity) Sub(o Quantity) Quantity {
	return Quantity{base: new(big.Int).Sub(q.bigOrZero(), o.bigOrZero())}
}

// MulUint64 returns q * n.
func (q Quantity) MulUint64(n uint64) Quantity {
	return Quantity{base: new(big.Int).Mul(q.bigOrZero(), new(big.Int).SetUint64(n))}
}

func (q Quantity) Neg() Quantity {
	return Quantity{base: new(big.Int).Neg(q.bigOrZero())}
}

func (q Quantity) Cmp(o Quantity) int {
	return q.bigOrZero().Cmp(o.bigOrZero())
}

func (q Quantity) Sign() int {
	return q.bigOrZero().Sign()
}

func (q Quantity) IsZero() bool {
	return q.Sign() == 0
}

// String returns the base-unit integer in decimal.
func (q Quantity) String() string {
	return q.bigOrZero().String()
}

// Bytes returns a fixed-layout encoding (sign byte + big-endian magnitude)
// used in state digests.
func (q Quantity) Bytes() []byte {
	v := q.bigOrZero()
	mag := v.Bytes()
	out := make([]byte, 0, len(mag)+2)
	if v.Sign() < 0 {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(len(mag)))
	return append(out, mag...)
}

func (q Quantity) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *Quantity) UnmarshalText(data []byte) error {
	parsed, err := QuantityFromString(string(data))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
