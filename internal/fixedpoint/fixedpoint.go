// internal/fixedpoint/fixedpoint.go
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Q64 is an unsigned Q64.64 fixed-point number: 64 integer bits and 64
// fractional bits, held in the low 128 bits of a uint256.Int. All arithmetic
// runs through 256-bit intermediates, so products of two in-range values
// never wrap before the overflow check.
type Q64 struct {
	v uint256.Int
}

// ErrMathOverflow is returned when a result does not fit in 128 bits or a
// divisor is zero.
var ErrMathOverflow = errors.New("math overflow")

const (
	// FracBits is the number of fractional bits.
	FracBits = 64

	// PriceE8Scale is the unit of oracle prices: 1e8 raw units per 1.0.
	// Price feeds quote "price_e8" and this constant pins that reading.
	PriceE8Scale = 100_000_000

	// BpsScale is the unit of basis-point parameters: 10_000 bps per 1.0.
	BpsScale = 10_000

	// MaxDecimals is the largest token decimal count the converters accept.
	MaxDecimals = 18
)

// maxQ64 is 2^128 - 1, the largest representable value.
var maxQ64 = func() uint256.Int {
	var z uint256.Int
	z.Lsh(z.SetOne(), 128)
	z.SubUint64(&z, 1)
	return z
}()

// One returns 1.0, i.e. 2^64.
func One() Q64 {
	var z uint256.Int
	z.Lsh(z.SetOne(), FracBits)
	return Q64{v: z}
}

// Max returns the largest representable value, 2^128 - 1. It doubles as the
// wire sentinel for an unbounded health factor.
func Max() Q64 {
	return Q64{v: maxQ64}
}

// Zero returns 0.
func Zero() Q64 {
	return Q64{}
}

// FromUint64 converts an integer n to the fixed-point value n.0.
func FromUint64(n uint64) Q64 {
	var z uint256.Int
	z.Lsh(z.SetUint64(n), FracBits)
	return Q64{v: z}
}

// FromRaw builds a value from its raw 128-bit representation.
func FromRaw(hi, lo uint64) Q64 {
	var z uint256.Int
	z[0] = lo
	z[1] = hi
	return Q64{v: z}
}

// pow10 for exponents 0..MaxDecimals. 10^18 fits in a uint64.
var pow10 = [MaxDecimals + 1]uint64{
	1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000,
	1_000_000_000, 10_000_000_000, 100_000_000_000, 1_000_000_000_000,
	10_000_000_000_000, 100_000_000_000_000, 1_000_000_000_000_000,
	10_000_000_000_000_000, 100_000_000_000_000_000, 1_000_000_000_000_000_000,
}

// FromAmount normalizes a raw token amount into fixed point:
// raw * 2^64 / 10^decimals. Decimals above MaxDecimals are rejected by the
// input validators before this is reached; here they are an overflow.
func FromAmount(raw uint64, decimals uint8) (Q64, error) {
	if decimals > MaxDecimals {
		return Q64{}, fmt.Errorf("decimals %d: %w", decimals, ErrMathOverflow)
	}
	var n uint256.Int
	n.Lsh(n.SetUint64(raw), FracBits)
	var d uint256.Int
	d.SetUint64(pow10[decimals])
	n.Div(&n, &d)
	return Q64{v: n}, nil
}

// FromBps converts a basis-point parameter to fixed point: bps * 2^64 / 10000.
func FromBps(bps uint16) Q64 {
	var n uint256.Int
	n.Lsh(n.SetUint64(uint64(bps)), FracBits)
	var d uint256.Int
	d.SetUint64(BpsScale)
	n.Div(&n, &d)
	return Q64{v: n}
}

// FromPriceE8 converts an oracle price quoted in 1e-8 units to fixed point:
// price * 2^64 / PriceE8Scale. The price must already be validated positive.
func FromPriceE8(price uint64) Q64 {
	var n uint256.Int
	n.Lsh(n.SetUint64(price), FracBits)
	var d uint256.Int
	d.SetUint64(PriceE8Scale)
	n.Div(&n, &d)
	return Q64{v: n}
}

// MulDiv computes floor(a * b / denom) on the raw 128-bit representations.
// The intermediate product is held in 256 bits.
func MulDiv(a, b, denom Q64) (Q64, error) {
	if denom.v.IsZero() {
		return Q64{}, fmt.Errorf("zero denominator: %w", ErrMathOverflow)
	}
	var p uint256.Int
	p.Mul(&a.v, &b.v)
	p.Div(&p, &denom.v)
	if p.BitLen() > 128 {
		return Q64{}, ErrMathOverflow
	}
	return Q64{v: p}, nil
}

// Mul multiplies two fixed-point values: floor(a * b / 2^64).
func Mul(a, b Q64) (Q64, error) {
	var p uint256.Int
	p.Mul(&a.v, &b.v)
	p.Rsh(&p, FracBits)
	if p.BitLen() > 128 {
		return Q64{}, ErrMathOverflow
	}
	return Q64{v: p}, nil
}

// Div divides two fixed-point values: floor(a * 2^64 / b). A zero divisor is
// an overflow, matching the checked-arithmetic error taxonomy.
func Div(a, b Q64) (Q64, error) {
	if b.v.IsZero() {
		return Q64{}, fmt.Errorf("zero divisor: %w", ErrMathOverflow)
	}
	var n uint256.Int
	n.Lsh(&a.v, FracBits)
	n.Div(&n, &b.v)
	if n.BitLen() > 128 {
		return Q64{}, ErrMathOverflow
	}
	return Q64{v: n}, nil
}

// Add returns a + b with an overflow check.
func Add(a, b Q64) (Q64, error) {
	var s uint256.Int
	s.Add(&a.v, &b.v)
	if s.BitLen() > 128 {
		return Q64{}, ErrMathOverflow
	}
	return Q64{v: s}, nil
}

// Cmp returns -1, 0, or +1 comparing q against other.
func (q Q64) Cmp(other Q64) int {
	return q.v.Cmp(&other.v)
}

// IsZero reports whether q is exactly zero.
func (q Q64) IsZero() bool {
	return q.v.IsZero()
}

// Raw returns the 128-bit representation split into high and low words.
func (q Q64) Raw() (hi, lo uint64) {
	return q.v[1], q.v[0]
}

// String renders the raw 128-bit representation in decimal. This is the
// storage format: Postgres NUMERIC columns round-trip it exactly.
func (q Q64) String() string {
	return q.v.Dec()
}

// Float64 returns an approximate float value for metrics and logs. Not for
// arithmetic.
func (q Q64) Float64() float64 {
	return float64(q.v[1]) + float64(q.v[0])/(1<<64)
}

// ParseDecimal parses the decimal form produced by String.
func ParseDecimal(s string) (Q64, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return Q64{}, fmt.Errorf("parse fixed-point %q: %w", s, err)
	}
	if z.BitLen() > 128 {
		return Q64{}, ErrMathOverflow
	}
	return Q64{v: *z}, nil
}
