package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionSnapshot
	EventTypeAssetParamUpdate
	EventTypeHealthFactorComputed
	EventTypeLiquidationRiskEntered
	EventTypeLiquidationRiskExited
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// User context (nullable for global events such as asset params)
	UserID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// UserID returns the user context (nil for global events)
	UserID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionSnapshot:
		return "PositionSnapshot"
	case EventTypeAssetParamUpdate:
		return "AssetParamUpdate"
	case EventTypeHealthFactorComputed:
		return "HealthFactorComputed"
	case EventTypeLiquidationRiskEntered:
		return "LiquidationRiskEntered"
	case EventTypeLiquidationRiskExited:
		return "LiquidationRiskExited"
	default:
		return "Unknown"
	}
}
