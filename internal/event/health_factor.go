package event

// Outbound payloads. These ride inside the publisher envelope and are JSON
// on the wire, so they carry tags directly.

// HealthFactorComputed is emitted after every applied position snapshot.
// HealthFactor is the raw Q64.64 value in decimal; for a zero-debt position
// it is the maximum representable value and Unbounded is set.
type HealthFactorComputed struct {
	User           string `json:"user"`
	HealthFactor   string `json:"health_factor"`
	Unbounded      bool   `json:"unbounded"`
	Status         string `json:"status"`
	SourceSequence int64  `json:"source_sequence"`
	Timestamp      int64  `json:"timestamp_us"`
}

// LiquidationRiskEntered is emitted when a user's status transitions into
// Liquidatable.
type LiquidationRiskEntered struct {
	User           string `json:"user"`
	HealthFactor   string `json:"health_factor"`
	SourceSequence int64  `json:"source_sequence"`
	Timestamp      int64  `json:"timestamp_us"`
}

// LiquidationRiskExited is emitted when a user's status leaves Liquidatable.
type LiquidationRiskExited struct {
	User           string `json:"user"`
	HealthFactor   string `json:"health_factor"`
	SourceSequence int64  `json:"source_sequence"`
	Timestamp      int64  `json:"timestamp_us"`
}
