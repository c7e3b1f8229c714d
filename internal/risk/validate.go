package risk

import (
	"errors"
	"fmt"

	"HFLedger/internal/fixedpoint"
)

// Input validation errors. ErrMathOverflow is re-exported so callers can
// treat the whole failure taxonomy as one set.
var (
	ErrMathOverflow        = fixedpoint.ErrMathOverflow
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidDecimals     = errors.New("invalid decimals")
	ErrInvalidLiqThreshold = errors.New("invalid liquidation threshold")
	ErrInvalidBorrowFactor = errors.New("invalid borrow factor")
)

const (
	maxLiqThresholdBps = 10_000
	minBorrowFactorBps = 1_000
	maxBorrowFactorBps = 10_000
)

// validateCollateral checks one collateral entry. Checks run in a fixed
// order: price, decimals, liquidation threshold, borrow factor.
func validateCollateral(c CollateralInput) error {
	if c.PriceE8 <= 0 {
		return fmt.Errorf("collateral %s: price %d: %w", c.Asset, c.PriceE8, ErrInvalidPrice)
	}
	if c.Decimals > fixedpoint.MaxDecimals {
		return fmt.Errorf("collateral %s: decimals %d: %w", c.Asset, c.Decimals, ErrInvalidDecimals)
	}
	if c.LiqThresholdBps > maxLiqThresholdBps {
		return fmt.Errorf("collateral %s: liq threshold %d bps: %w", c.Asset, c.LiqThresholdBps, ErrInvalidLiqThreshold)
	}
	if c.BorrowFactorBps != 0 &&
		(c.BorrowFactorBps < minBorrowFactorBps || c.BorrowFactorBps > maxBorrowFactorBps) {
		return fmt.Errorf("collateral %s: borrow factor %d bps: %w", c.Asset, c.BorrowFactorBps, ErrInvalidBorrowFactor)
	}
	return nil
}

// validateDebt checks one debt entry: price, then decimals.
func validateDebt(d DebtInput) error {
	if d.PriceE8 <= 0 {
		return fmt.Errorf("debt %s: price %d: %w", d.Asset, d.PriceE8, ErrInvalidPrice)
	}
	if d.Decimals > fixedpoint.MaxDecimals {
		return fmt.Errorf("debt %s: decimals %d: %w", d.Asset, d.Decimals, ErrInvalidDecimals)
	}
	return nil
}
