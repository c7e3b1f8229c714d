package risk

import (
	"fmt"

	"HFLedger/internal/fixedpoint"
)

// DefaultWarnThresholdBps marks positions AtRisk when the health factor
// drops below 1.1.
const DefaultWarnThresholdBps = 11_000

// Calculator turns position snapshots into health factors. The computation
// is pure: no clocks, no I/O, identical inputs give identical outputs.
type Calculator struct {
	warnThreshold fixedpoint.Q64
	liqThreshold  fixedpoint.Q64
}

// NewCalculator builds a calculator with the given AtRisk boundary in basis
// points. Zero selects DefaultWarnThresholdBps.
func NewCalculator(warnBps uint16) *Calculator {
	if warnBps == 0 {
		warnBps = DefaultWarnThresholdBps
	}
	return &Calculator{
		warnThreshold: fixedpoint.FromBps(warnBps),
		liqThreshold:  fixedpoint.One(),
	}
}

// Compute runs the full pipeline over one position snapshot: validate and
// value every collateral in input order, then every debt, then resolve the
// ratio. Any failure aborts the whole computation; no partial result is
// ever returned.
func (c *Calculator) Compute(collaterals []CollateralInput, debts []DebtInput) (HealthFactor, error) {
	totalCollateral := fixedpoint.Zero()
	for i, col := range collaterals {
		if err := validateCollateral(col); err != nil {
			return HealthFactor{}, err
		}
		value, err := collateralValue(col)
		if err != nil {
			return HealthFactor{}, fmt.Errorf("collateral %d (%s): %w", i, col.Asset, err)
		}
		totalCollateral, err = fixedpoint.Add(totalCollateral, value)
		if err != nil {
			return HealthFactor{}, fmt.Errorf("collateral sum at %d (%s): %w", i, col.Asset, err)
		}
	}

	totalDebt := fixedpoint.Zero()
	for i, d := range debts {
		if err := validateDebt(d); err != nil {
			return HealthFactor{}, err
		}
		value, err := debtValue(d)
		if err != nil {
			return HealthFactor{}, fmt.Errorf("debt %d (%s): %w", i, d.Asset, err)
		}
		totalDebt, err = fixedpoint.Add(totalDebt, value)
		if err != nil {
			return HealthFactor{}, fmt.Errorf("debt sum at %d (%s): %w", i, d.Asset, err)
		}
	}

	if totalDebt.IsZero() {
		return HealthFactor{Unbounded: true}, nil
	}
	ratio, err := fixedpoint.Div(totalCollateral, totalDebt)
	if err != nil {
		return HealthFactor{}, fmt.Errorf("resolve ratio: %w", err)
	}
	return HealthFactor{Value: ratio}, nil
}

// collateralValue is amount * price * liq_threshold, optionally divided by
// the borrow factor when one is set.
func collateralValue(c CollateralInput) (fixedpoint.Q64, error) {
	amount, err := fixedpoint.FromAmount(c.Amount, c.Decimals)
	if err != nil {
		return fixedpoint.Q64{}, err
	}
	value, err := fixedpoint.Mul(amount, fixedpoint.FromPriceE8(uint64(c.PriceE8)))
	if err != nil {
		return fixedpoint.Q64{}, err
	}
	value, err = fixedpoint.Mul(value, fixedpoint.FromBps(c.LiqThresholdBps))
	if err != nil {
		return fixedpoint.Q64{}, err
	}
	if c.BorrowFactorBps != 0 {
		value, err = fixedpoint.Div(value, fixedpoint.FromBps(c.BorrowFactorBps))
		if err != nil {
			return fixedpoint.Q64{}, err
		}
	}
	return value, nil
}

// debtValue is amount * price, with no risk adjustment.
func debtValue(d DebtInput) (fixedpoint.Q64, error) {
	amount, err := fixedpoint.FromAmount(d.Amount, d.Decimals)
	if err != nil {
		return fixedpoint.Q64{}, err
	}
	return fixedpoint.Mul(amount, fixedpoint.FromPriceE8(uint64(d.PriceE8)))
}

// Status buckets a health factor. A zero-debt position is always Healthy.
func (c *Calculator) Status(hf HealthFactor) Status {
	if hf.Unbounded {
		return StatusHealthy
	}
	if hf.Value.Cmp(c.liqThreshold) < 0 {
		return StatusLiquidatable
	}
	if hf.Value.Cmp(c.warnThreshold) < 0 {
		return StatusAtRisk
	}
	return StatusHealthy
}
