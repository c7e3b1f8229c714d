package core

import (
	"encoding/json"
	"fmt"
	"time"

	"HFLedger/internal/event"
	"HFLedger/internal/observability"
	"HFLedger/internal/risk"
	"HFLedger/internal/state"
)

// DeterministicCore is the single-threaded event processor. It owns all
// mutable state: the per-user health factor registry and the asset parameter
// registry. Identical event streams always produce identical state hashes.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	calculator        *risk.Calculator
	hfStates          *state.HfStateManager
	assetParams       *state.AssetParamsManager
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	statusCounts      [3]int64 // users per risk.Status bucket

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied event leaving the core. Result is set for
// events that produced or changed a user's health factor.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Result     *state.UserRiskRecord
	StateDelta []byte
}

func NewDeterministicCore(
	startSequence int64,
	warnThresholdBps uint16,
	lruCapacity int,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		calculator:        risk.NewCalculator(warnThresholdBps),
		hfStates:          state.NewHfStateManager(),
		assetParams:       state.NewAssetParamsManager(),
		idempotency:       NewIdempotencyChecker(lruCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	sourceSequence := evt.SourceSequence()

	// Asset parameter feeds tolerate gaps; position snapshots are strict
	// per user.
	if paramEvt, ok := evt.(*event.AssetParamUpdate); ok {
		if !c.sequenceValidator.ValidateParamSequence(paramEvt.Asset, paramEvt.Sequence) {
			// Stale parameter update: skip without applying.
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "stale").Inc()
			}
			return nil
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Event dispatch. A rejected event (bad input, math overflow)
	// leaves no trace in state: the registries are only written after the
	// whole computation succeeded.
	result, transition, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Compute state digest and hash
	stateDigest := c.computeStateDigest(evt, result)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	timestamp := c.getEventTimestamp(evt)

	payload, err := c.buildPayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: payload marshal failed for %s: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		UserID:         evt.UserID(),
		Timestamp:      timestamp,
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Result:     result,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 5: Emit output. Persist channel uses a BLOCKING send so the core
	// stalls under backpressure and no applied event is ever lost. The
	// projection channel is non-blocking: projections rebuild from the event
	// log if they fall behind.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		// Silently dropped — projection will catch up via rebuild
	}

	// Step 6: Derived risk transition events get their own sequence numbers
	// and ride the same channels.
	if transition != nil {
		c.emitRiskTransition(transition, timestamp)
	}

	// Step 7: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		if result != nil {
			c.metrics.UsersTracked.Set(float64(c.hfStates.Count()))
			if result.Unbounded {
				c.metrics.UnboundedResults.Inc()
			}
			for s := risk.StatusHealthy; s <= risk.StatusLiquidatable; s++ {
				c.metrics.UsersByStatus.WithLabelValues(s.String()).Set(float64(c.statusCounts[s]))
			}
		}
	}

	return nil
}

// riskTransition describes a status change produced by a position snapshot.
type riskTransition struct {
	User         string
	HealthFactor string
	PrevStatus   risk.Status
	NewStatus    risk.Status
	SourceSeq    int64
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*state.UserRiskRecord, *riskTransition, error) {
	switch e := evt.(type) {
	case *event.PositionSnapshot:
		return c.handlePositionSnapshot(e)
	case *event.AssetParamUpdate:
		err := c.handleAssetParamUpdate(e)
		return nil, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handlePositionSnapshot runs the full valuation pipeline for one user and
// updates the registry. Registry defaults fill in risk parameters the
// snapshot entries omit.
func (c *DeterministicCore) handlePositionSnapshot(evt *event.PositionSnapshot) (*state.UserRiskRecord, *riskTransition, error) {
	collaterals := make([]risk.CollateralInput, 0, len(evt.Collaterals))
	for _, entry := range evt.Collaterals {
		in := risk.CollateralInput{
			Asset:    entry.Asset,
			Amount:   entry.Amount,
			Decimals: entry.Decimals,
			PriceE8:  entry.PriceE8,
		}
		params, hasDefaults := c.assetParams.Get(entry.Asset)
		if entry.LiqThresholdBps != nil {
			in.LiqThresholdBps = *entry.LiqThresholdBps
		} else if hasDefaults {
			in.LiqThresholdBps = params.LiqThresholdBps
		}
		if entry.BorrowFactorBps != nil {
			in.BorrowFactorBps = *entry.BorrowFactorBps
		} else if hasDefaults {
			in.BorrowFactorBps = params.BorrowFactorBps
		}
		collaterals = append(collaterals, in)
	}

	debts := make([]risk.DebtInput, 0, len(evt.Debts))
	for _, entry := range evt.Debts {
		debts = append(debts, risk.DebtInput{
			Asset:    entry.Asset,
			Amount:   entry.Amount,
			Decimals: entry.Decimals,
			PriceE8:  entry.PriceE8,
		})
	}

	hf, err := c.calculator.Compute(collaterals, debts)
	if err != nil {
		return nil, nil, fmt.Errorf("compute for user %s: %w", evt.User, err)
	}
	status := c.calculator.Status(hf)

	// First observation counts as coming from Healthy.
	prevStatus := risk.StatusHealthy
	prev, existed := c.hfStates.Get(evt.User)
	if existed {
		prevStatus = prev.Status
		c.statusCounts[prev.Status]--
	}
	c.statusCounts[status]++

	c.hfStates.Set(state.UserRiskState{
		User:           evt.User,
		HealthFactor:   hf,
		Status:         status,
		SourceSequence: evt.Sequence,
		UpdatedAt:      evt.Timestamp,
	})

	record := &state.UserRiskRecord{
		User:           evt.User,
		HealthFactor:   hf.Sentinel().String(),
		Unbounded:      hf.Unbounded,
		Status:         int(status),
		SourceSequence: evt.Sequence,
		UpdatedAt:      evt.Timestamp,
	}

	var transition *riskTransition
	entered := status == risk.StatusLiquidatable && prevStatus != risk.StatusLiquidatable
	exited := status != risk.StatusLiquidatable && prevStatus == risk.StatusLiquidatable
	if entered || exited {
		transition = &riskTransition{
			User:         evt.User,
			HealthFactor: record.HealthFactor,
			PrevStatus:   prevStatus,
			NewStatus:    status,
			SourceSeq:    evt.Sequence,
		}
	}

	return record, transition, nil
}

func (c *DeterministicCore) handleAssetParamUpdate(evt *event.AssetParamUpdate) error {
	err := c.assetParams.Update(&state.AssetParams{
		Asset:           evt.Asset,
		LiqThresholdBps: evt.LiqThresholdBps,
		BorrowFactorBps: evt.BorrowFactorBps,
		EffectiveSeq:    evt.Sequence,
	})
	if err != nil {
		return fmt.Errorf("asset param update rejected: %w", err)
	}
	return nil
}

// emitRiskTransition publishes LiquidationRiskEntered/Exited as derived
// events with their own sequence numbers, persisted like any other event.
func (c *DeterministicCore) emitRiskTransition(tr *riskTransition, parentTimestamp time.Time) {
	seq := c.sequence
	c.sequence++

	var evtType event.EventType
	var payload any
	if tr.NewStatus == risk.StatusLiquidatable {
		evtType = event.EventTypeLiquidationRiskEntered
		payload = event.LiquidationRiskEntered{
			User:           tr.User,
			HealthFactor:   tr.HealthFactor,
			SourceSequence: tr.SourceSeq,
			Timestamp:      parentTimestamp.UnixMicro(),
		}
	} else {
		evtType = event.EventTypeLiquidationRiskExited
		payload = event.LiquidationRiskExited{
			User:           tr.User,
			HealthFactor:   tr.HealthFactor,
			SourceSequence: tr.SourceSeq,
			Timestamp:      parentTimestamp.UnixMicro(),
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: risk transition marshal failed: %v", err))
	}

	// Derived events do not mutate state beyond the parent's update, so the
	// digest is empty; the hash still chains.
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, nil)

	user := tr.User
	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: fmt.Sprintf("risk_transition:%s:%d", tr.User, seq),
			EventType:      evtType,
			UserID:         &user,
			Timestamp:      parentTimestamp,
			SourceSequence: tr.SourceSeq,
			Payload:        data,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
	}

	// Blocking send — derived events are part of the audit log
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
	}

	if c.metrics != nil {
		c.metrics.RiskTransitions.WithLabelValues(evtType.String()).Inc()
	}
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if userID := evt.UserID(); userID != nil {
		return fmt.Sprintf("user:%s", *userID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event. The core
// MUST NOT call time.Now(); all timestamps are inputs.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.PositionSnapshot:
		return time.UnixMicro(e.Timestamp)
	case *event.AssetParamUpdate:
		return time.UnixMicro(e.Timestamp)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest creates canonical bytes covering the state touched by
// this event.
func (c *DeterministicCore) computeStateDigest(evt event.Event, result *state.UserRiskRecord) []byte {
	digest := make([]byte, 0, 128)

	if result != nil {
		digest = append(digest, byte(len(result.User)))
		digest = append(digest, []byte(result.User)...)
		digest = append(digest, []byte(result.HealthFactor)...)
		if result.Unbounded {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
		digest = append(digest, byte(result.Status))
		digest = appendInt64LE(digest, result.SourceSequence)
		digest = appendInt64LE(digest, result.UpdatedAt)
		return digest
	}

	if paramEvt, ok := evt.(*event.AssetParamUpdate); ok {
		digest = append(digest, byte(len(paramEvt.Asset)))
		digest = append(digest, []byte(paramEvt.Asset)...)
		digest = appendInt64LE(digest, int64(paramEvt.LiqThresholdBps))
		digest = appendInt64LE(digest, int64(paramEvt.BorrowFactorBps))
		digest = appendInt64LE(digest, paramEvt.Sequence)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// buildPayload marshals the inbound event in its wire format. The stored
// payload must round-trip through the ingestion parser so the event log can
// be replayed.
func (c *DeterministicCore) buildPayload(evt event.Event) ([]byte, error) {
	return json.Marshal(evt)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	PrevHash        [32]byte
	Users           []state.UserRiskRecord
	AssetParams     []state.AssetParams
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then replay events past it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	// Restore sequence
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	// Restore state hash chain
	c.hasher.SetPrevHash(snap.StateHash)

	// Restore per-user health factors
	if err := c.hfStates.RestoreFrom(snap.Users); err != nil {
		return fmt.Errorf("restore user states: %w", err)
	}
	c.statusCounts = [3]int64{}
	for _, u := range snap.Users {
		if u.Status >= 0 && u.Status < len(c.statusCounts) {
			c.statusCounts[u.Status]++
		}
	}

	// Restore asset parameter registry
	c.assetParams.RestoreFrom(snap.AssetParams)

	// Restore sequence validator state
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache, avoiding
// cold-path DB lookups for recently processed events.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// SetDBChecker attaches the cold dedup tier. The orchestrator constructs the
// core without it, replays the event log, and only then attaches it — with
// the tier active, every replayed event would look like a duplicate and
// replay would rebuild nothing.
func (c *DeterministicCore) SetDBChecker(dbChecker DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(dbChecker)
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// GetUserState returns the latest computed state for one user.
func (c *DeterministicCore) GetUserState(user string) (*state.UserRiskState, bool) {
	return c.hfStates.Get(user)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		PrevHash:        c.hasher.GetPrevHash(),
		Users:           c.hfStates.Export(),
		AssetParams:     c.assetParams.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
