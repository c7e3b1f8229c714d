package state

import "fmt"

// AssetParams defines the default risk parameters for one asset. Snapshot
// entries that omit their own threshold or borrow factor fall back to these.
type AssetParams struct {
	Asset           string
	LiqThresholdBps uint16 // 0..10_000
	BorrowFactorBps uint16 // 0 (unset) or 1000..10_000
	EffectiveSeq    int64  // Source sequence of the update that set them
}

// DefaultAssetParams seeds the registry. Unknown assets fall back to a full
// haircut (threshold 0) until an AssetParamUpdate arrives.
var DefaultAssetParams = map[string]*AssetParams{
	"SOL":  {Asset: "SOL", LiqThresholdBps: 8000},
	"USDC": {Asset: "USDC", LiqThresholdBps: 9000},
	"USDT": {Asset: "USDT", LiqThresholdBps: 9000},
}

// AssetParamsManager holds the per-asset defaults. Single-writer: only the
// core goroutine mutates it.
type AssetParamsManager struct {
	params map[string]*AssetParams
}

func NewAssetParamsManager() *AssetParamsManager {
	params := make(map[string]*AssetParams)
	for k, v := range DefaultAssetParams {
		cp := *v
		params[k] = &cp
	}
	return &AssetParamsManager{params: params}
}

func (apm *AssetParamsManager) Get(asset string) (*AssetParams, bool) {
	p, ok := apm.params[asset]
	return p, ok
}

// ValidateAssetParams checks the basis-point ranges: threshold at most
// 10_000; borrow factor either zero or in [1000, 10_000].
func ValidateAssetParams(params *AssetParams) error {
	if params.Asset == "" {
		return fmt.Errorf("asset must be non-empty")
	}
	if params.LiqThresholdBps > 10_000 {
		return fmt.Errorf("liq_threshold_bps must be <= 10000, got %d", params.LiqThresholdBps)
	}
	if params.BorrowFactorBps != 0 && (params.BorrowFactorBps < 1000 || params.BorrowFactorBps > 10_000) {
		return fmt.Errorf("borrow_factor_bps must be 0 or in [1000, 10000], got %d", params.BorrowFactorBps)
	}
	return nil
}

func (apm *AssetParamsManager) Update(params *AssetParams) error {
	if err := ValidateAssetParams(params); err != nil {
		return fmt.Errorf("invalid asset params for %s: %w", params.Asset, err)
	}
	cp := *params
	apm.params[params.Asset] = &cp
	return nil
}

// Export returns every entry for snapshotting, copies included.
func (apm *AssetParamsManager) Export() []AssetParams {
	out := make([]AssetParams, 0, len(apm.params))
	for _, p := range apm.params {
		out = append(out, *p)
	}
	return out
}

// RestoreFrom replaces the registry contents from a snapshot.
func (apm *AssetParamsManager) RestoreFrom(entries []AssetParams) {
	apm.params = make(map[string]*AssetParams, len(entries))
	for _, p := range entries {
		cp := p
		apm.params[p.Asset] = &cp
	}
}
