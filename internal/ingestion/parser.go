package ingestion

import (
	"encoding/json"
	"fmt"

	"HFLedger/internal/event"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PositionSnapshot":
		return parsePositionSnapshot(raw.Data)
	case "AssetParamUpdate":
		return parseAssetParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type collateralEntryJSON struct {
	Asset           string  `json:"asset"`
	Amount          uint64  `json:"amount"`
	Decimals        uint8   `json:"decimals"`
	PriceE8         int64   `json:"price_e8"`
	LiqThresholdBps *uint16 `json:"liq_threshold_bps,omitempty"`
	BorrowFactorBps *uint16 `json:"borrow_factor_bps,omitempty"`
}

type debtEntryJSON struct {
	Asset    string `json:"asset"`
	Amount   uint64 `json:"amount"`
	Decimals uint8  `json:"decimals"`
	PriceE8  int64  `json:"price_e8"`
}

type positionSnapshotJSON struct {
	UserID      string                `json:"user_id"`
	Collaterals []collateralEntryJSON `json:"collaterals"`
	Debts       []debtEntryJSON       `json:"debts"`
	Sequence    int64                 `json:"sequence"`
	TimestampUs int64                 `json:"timestamp_us"`
}

func parsePositionSnapshot(data []byte) (*event.PositionSnapshot, error) {
	var j positionSnapshotJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionSnapshot: %w", err)
	}

	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	collaterals := make([]event.CollateralEntry, 0, len(j.Collaterals))
	for i, c := range j.Collaterals {
		if c.Asset == "" {
			return nil, fmt.Errorf("collateral %d: empty asset", i)
		}
		collaterals = append(collaterals, event.CollateralEntry{
			Asset:           c.Asset,
			Amount:          c.Amount,
			Decimals:        c.Decimals,
			PriceE8:         c.PriceE8,
			LiqThresholdBps: c.LiqThresholdBps,
			BorrowFactorBps: c.BorrowFactorBps,
		})
	}

	debts := make([]event.DebtEntry, 0, len(j.Debts))
	for i, d := range j.Debts {
		if d.Asset == "" {
			return nil, fmt.Errorf("debt %d: empty asset", i)
		}
		debts = append(debts, event.DebtEntry{
			Asset:    d.Asset,
			Amount:   d.Amount,
			Decimals: d.Decimals,
			PriceE8:  d.PriceE8,
		})
	}

	return &event.PositionSnapshot{
		User:        userID.String(),
		Collaterals: collaterals,
		Debts:       debts,
		Sequence:    j.Sequence,
		Timestamp:   j.TimestampUs,
	}, nil
}

type assetParamUpdateJSON struct {
	Asset           string `json:"asset"`
	LiqThresholdBps uint16 `json:"liq_threshold_bps"`
	BorrowFactorBps uint16 `json:"borrow_factor_bps"`
	Sequence        int64  `json:"sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseAssetParamUpdate(data []byte) (*event.AssetParamUpdate, error) {
	var j assetParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetParamUpdate: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse AssetParamUpdate: empty asset")
	}

	return &event.AssetParamUpdate{
		Asset:           j.Asset,
		LiqThresholdBps: j.LiqThresholdBps,
		BorrowFactorBps: j.BorrowFactorBps,
		Sequence:        j.Sequence,
		Timestamp:       j.TimestampUs,
	}, nil
}
