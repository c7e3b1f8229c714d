package query

import "github.com/google/uuid"

// HealthFactorResponse represents a user's current health factor for API
// queries. HealthFactor is the raw Q64.64 value as a decimal string;
// HealthFactorFloat is an approximate rendering for display only.
type HealthFactorResponse struct {
	UserID            uuid.UUID `json:"user_id"`
	HealthFactor      string    `json:"health_factor"`
	HealthFactorFloat float64   `json:"health_factor_float"`
	Unbounded         bool      `json:"unbounded"`
	Status            string    `json:"status"`
	Sequence          int64     `json:"sequence"`
	SourceSequence    int64     `json:"source_sequence"`
	UpdatedAtUs       int64     `json:"updated_at_us"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// HealthFactorHistoryEntry is one historical computation for a user.
type HealthFactorHistoryEntry struct {
	Sequence          int64   `json:"sequence"`
	HealthFactor      string  `json:"health_factor"`
	HealthFactorFloat float64 `json:"health_factor_float"`
	Unbounded         bool    `json:"unbounded"`
	Status            string  `json:"status"`
	SourceSequence    int64   `json:"source_sequence"`
	UpdatedAtUs       int64   `json:"updated_at_us"`
}

// UsersByStatusEntry is one row of the status breakdown.
type UsersByStatusEntry struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
