package event

import (
	"fmt"
)

// AssetParamUpdate sets the default risk parameters for one asset. The
// defaults apply to snapshot entries that omit their own overrides. Updates
// take effect for every computation after the event is applied; already
// computed health factors are not revisited.
type AssetParamUpdate struct {
	Asset           string `json:"asset"`
	LiqThresholdBps uint16 `json:"liq_threshold_bps"` // 0..10000
	BorrowFactorBps uint16 `json:"borrow_factor_bps"` // 0 (unset) or 1000..10000
	Sequence        int64  `json:"sequence"`          // Source sequence (global partition)
	Timestamp       int64  `json:"timestamp_us"`      // Epoch microseconds (versioned input)
}

func (a *AssetParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("asset_param:%s:%d", a.Asset, a.Sequence)
}

func (a *AssetParamUpdate) EventType() EventType {
	return EventTypeAssetParamUpdate
}

func (a *AssetParamUpdate) UserID() *string {
	return nil
}

func (a *AssetParamUpdate) SourceSequence() int64 {
	return a.Sequence
}
