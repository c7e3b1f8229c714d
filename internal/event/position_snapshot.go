package event

import (
	"fmt"
)

// CollateralEntry is one collateral line of a position snapshot. The risk
// parameters are optional: when nil, the registry defaults for the asset
// apply at compute time.
type CollateralEntry struct {
	Asset           string  `json:"asset"`
	Amount          uint64  `json:"amount"` // Raw token units
	Decimals        uint8   `json:"decimals"`
	PriceE8         int64   `json:"price_e8"` // Oracle price, 1e-8 units
	LiqThresholdBps *uint16 `json:"liq_threshold_bps,omitempty"`
	BorrowFactorBps *uint16 `json:"borrow_factor_bps,omitempty"`
}

// DebtEntry is one debt line of a position snapshot.
type DebtEntry struct {
	Asset    string `json:"asset"`
	Amount   uint64 `json:"amount"`
	Decimals uint8  `json:"decimals"`
	PriceE8  int64  `json:"price_e8"`
}

// PositionSnapshot is the full collateral and debt picture for one user at
// one upstream sequence. Receiving it triggers a health factor computation.
// Snapshots are per-user totals, not deltas; a later snapshot fully replaces
// an earlier one.
// The JSON tags match the NATS wire format so stored payloads replay
// through the same parser.
type PositionSnapshot struct {
	User        string            `json:"user_id"` // UUID of the account owner
	Collaterals []CollateralEntry `json:"collaterals"`
	Debts       []DebtEntry       `json:"debts"`
	Sequence    int64             `json:"sequence"`     // Per-user source sequence
	Timestamp   int64             `json:"timestamp_us"` // Epoch microseconds (versioned input)
}

func (p *PositionSnapshot) IdempotencyKey() string {
	return fmt.Sprintf("position:%s:%d", p.User, p.Sequence)
}

func (p *PositionSnapshot) EventType() EventType {
	return EventTypePositionSnapshot
}

func (p *PositionSnapshot) UserID() *string {
	s := p.User
	return &s
}

func (p *PositionSnapshot) SourceSequence() int64 {
	return p.Sequence
}
