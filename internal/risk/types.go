package risk

import "HFLedger/internal/fixedpoint"

// CollateralInput is one collateral entry of a position snapshot. Amount is
// the raw token amount, PriceE8 the oracle price in 1e-8 units. Risk
// parameters are in basis points; a zero BorrowFactorBps means the borrow
// factor is not applied.
type CollateralInput struct {
	Asset           string
	Amount          uint64
	Decimals        uint8
	PriceE8         int64
	LiqThresholdBps uint16
	BorrowFactorBps uint16
}

// DebtInput is one debt entry of a position snapshot.
type DebtInput struct {
	Asset    string
	Amount   uint64
	Decimals uint8
	PriceE8  int64
}

// HealthFactor is the result of a computation. Unbounded marks the zero-debt
// case; Value is only meaningful when Unbounded is false.
type HealthFactor struct {
	Unbounded bool
	Value     fixedpoint.Q64
}

// Sentinel flattens the tagged form to the raw 128-bit convention used on the
// wire and in storage: the maximum representable value stands in for
// unbounded.
func (hf HealthFactor) Sentinel() fixedpoint.Q64 {
	if hf.Unbounded {
		return fixedpoint.Max()
	}
	return hf.Value
}

// Float64 returns an approximate value for logs and metrics.
func (hf HealthFactor) Float64() float64 {
	return hf.Sentinel().Float64()
}

// Status represents a position's liquidation risk bucket.
type Status int

const (
	StatusHealthy Status = iota
	StatusAtRisk
	StatusLiquidatable
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "Healthy"
	case StatusAtRisk:
		return "AtRisk"
	case StatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}
