package fixedpoint_test

import (
	"errors"
	"math"
	"testing"

	"HFLedger/internal/fixedpoint"
)

// ============================================================================
// Test: Constants and constructors
// ============================================================================

func TestOne_IsTwoToThe64(t *testing.T) {
	hi, lo := fixedpoint.One().Raw()
	if hi != 1 || lo != 0 {
		t.Errorf("got (%d, %d), want (1, 0)", hi, lo)
	}
}

func TestMax_IsAllOnes(t *testing.T) {
	hi, lo := fixedpoint.Max().Raw()
	if hi != math.MaxUint64 || lo != math.MaxUint64 {
		t.Errorf("got (%d, %d), want all ones", hi, lo)
	}
}

func TestFromUint64_ShiftsIntoIntegerBits(t *testing.T) {
	hi, lo := fixedpoint.FromUint64(42).Raw()
	if hi != 42 || lo != 0 {
		t.Errorf("got (%d, %d), want (42, 0)", hi, lo)
	}
}

func TestFromRaw_RoundTrip(t *testing.T) {
	q := fixedpoint.FromRaw(7, 9)
	hi, lo := q.Raw()
	if hi != 7 || lo != 9 {
		t.Errorf("got (%d, %d), want (7, 9)", hi, lo)
	}
}

// ============================================================================
// Test: Conversions
// ============================================================================

func TestFromAmount_WholeUnit(t *testing.T) {
	// 1_000_000 raw at 6 decimals is exactly 1.0.
	q, err := fixedpoint.FromAmount(1_000_000, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Cmp(fixedpoint.One()) != 0 {
		t.Errorf("got %s, want %s", q, fixedpoint.One())
	}
}

func TestFromAmount_FloorsFraction(t *testing.T) {
	// 1000 raw at 6 decimals is 0.001: floor(1000 * 2^64 / 10^6).
	q, err := fixedpoint.FromAmount(1000, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, lo := q.Raw()
	if lo != 18446744073709551 {
		t.Errorf("got %d, want 18446744073709551", lo)
	}
}

func TestFromAmount_ZeroDecimals(t *testing.T) {
	q, err := fixedpoint.FromAmount(5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Cmp(fixedpoint.FromUint64(5)) != 0 {
		t.Errorf("got %s, want %s", q, fixedpoint.FromUint64(5))
	}
}

func TestFromAmount_RejectsLargeDecimals(t *testing.T) {
	_, err := fixedpoint.FromAmount(1, 19)
	if !errors.Is(err, fixedpoint.ErrMathOverflow) {
		t.Errorf("got %v, want ErrMathOverflow", err)
	}
}

func TestFromBps_FullScale(t *testing.T) {
	q := fixedpoint.FromBps(10_000)
	if q.Cmp(fixedpoint.One()) != 0 {
		t.Errorf("got %s, want %s", q, fixedpoint.One())
	}
}

func TestFromBps_EightyPercent(t *testing.T) {
	_, lo := fixedpoint.FromBps(8000).Raw()
	if lo != 14757395258967641292 {
		t.Errorf("got %d, want 14757395258967641292", lo)
	}
}

func TestFromPriceE8_WholePrice(t *testing.T) {
	q := fixedpoint.FromPriceE8(2_00000000)
	if q.Cmp(fixedpoint.FromUint64(2)) != 0 {
		t.Errorf("got %s, want 2.0", q)
	}
}

func TestFromPriceE8_UnitPrice(t *testing.T) {
	q := fixedpoint.FromPriceE8(1_00000000)
	if q.Cmp(fixedpoint.One()) != 0 {
		t.Errorf("got %s, want 1.0", q)
	}
}

// ============================================================================
// Test: Arithmetic
// ============================================================================

func TestMul_Identity(t *testing.T) {
	q := fixedpoint.FromUint64(123)
	got, err := fixedpoint.Mul(q, fixedpoint.One())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(q) != 0 {
		t.Errorf("got %s, want %s", got, q)
	}
}

func TestMul_Fraction(t *testing.T) {
	// 2.0 * 0.5 = 1.0
	half := fixedpoint.FromRaw(0, 1<<63)
	got, err := fixedpoint.Mul(fixedpoint.FromUint64(2), half)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(fixedpoint.One()) != 0 {
		t.Errorf("got %s, want 1.0", got)
	}
}

func TestMul_Overflow(t *testing.T) {
	_, err := fixedpoint.Mul(fixedpoint.Max(), fixedpoint.Max())
	if !errors.Is(err, fixedpoint.ErrMathOverflow) {
		t.Errorf("got %v, want ErrMathOverflow", err)
	}
}

func TestDiv_Identity(t *testing.T) {
	q := fixedpoint.FromUint64(9)
	got, err := fixedpoint.Div(q, fixedpoint.One())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(q) != 0 {
		t.Errorf("got %s, want %s", got, q)
	}
}

func TestDiv_Exact(t *testing.T) {
	got, err := fixedpoint.Div(fixedpoint.FromUint64(6), fixedpoint.FromUint64(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(fixedpoint.FromUint64(2)) != 0 {
		t.Errorf("got %s, want 2.0", got)
	}
}

func TestDiv_ByZero(t *testing.T) {
	_, err := fixedpoint.Div(fixedpoint.One(), fixedpoint.Zero())
	if !errors.Is(err, fixedpoint.ErrMathOverflow) {
		t.Errorf("got %v, want ErrMathOverflow", err)
	}
}

func TestDiv_Overflow(t *testing.T) {
	// Max / (1 bps) exceeds 128 bits.
	_, err := fixedpoint.Div(fixedpoint.Max(), fixedpoint.FromBps(1))
	if !errors.Is(err, fixedpoint.ErrMathOverflow) {
		t.Errorf("got %v, want ErrMathOverflow", err)
	}
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	_, err := fixedpoint.MulDiv(fixedpoint.One(), fixedpoint.One(), fixedpoint.Zero())
	if !errors.Is(err, fixedpoint.ErrMathOverflow) {
		t.Errorf("got %v, want ErrMathOverflow", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// Max * Max / Max = Max: the 256-bit product must not wrap.
	got, err := fixedpoint.MulDiv(fixedpoint.Max(), fixedpoint.Max(), fixedpoint.Max())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(fixedpoint.Max()) != 0 {
		t.Errorf("got %s, want Max", got)
	}
}

func TestAdd_Checked(t *testing.T) {
	got, err := fixedpoint.Add(fixedpoint.FromUint64(1), fixedpoint.FromUint64(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(fixedpoint.FromUint64(3)) != 0 {
		t.Errorf("got %s, want 3.0", got)
	}

	if _, err := fixedpoint.Add(fixedpoint.Max(), fixedpoint.One()); !errors.Is(err, fixedpoint.ErrMathOverflow) {
		t.Errorf("got %v, want ErrMathOverflow", err)
	}
}

// ============================================================================
// Test: Encoding
// ============================================================================

func TestString_ParseDecimal_RoundTrip(t *testing.T) {
	q := fixedpoint.FromRaw(3, 14757395258967641292)
	got, err := fixedpoint.ParseDecimal(q.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(q) != 0 {
		t.Errorf("got %s, want %s", got, q)
	}
}

func TestParseDecimal_RejectsOversized(t *testing.T) {
	// 2^128 does not fit.
	_, err := fixedpoint.ParseDecimal("340282366920938463463374607431768211456")
	if err == nil {
		t.Error("expected error for value above 128 bits")
	}
}

func TestFloat64_Approximation(t *testing.T) {
	got := fixedpoint.FromRaw(3, 1<<63).Float64()
	if math.Abs(got-3.5) > 1e-12 {
		t.Errorf("got %v, want 3.5", got)
	}
}
