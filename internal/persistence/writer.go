package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer lets the batch writers run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and computed results to Postgres using batch
// inserts. Multi-row INSERT is used as a portable alternative to COPY;
// switch to pgx CopyFrom for higher throughput if it ever matters.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	UserID         *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// ResultRow represents a row in event_log.hf_results. HealthFactor is the
// raw Q64.64 value in decimal; the column is NUMERIC(40,0).
type ResultRow struct {
	Sequence       int64
	UserID         string
	HealthFactor   string
	Unbounded      bool
	Status         int
	SourceSequence int64
	UpdatedAt      int64 // Epoch microseconds
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events using
// multi-row INSERT. ON CONFLICT DO NOTHING keeps replays idempotent.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, user_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.UserID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteResultBatch writes computed health factors to event_log.hf_results.
func (w *EventLogWriter) WriteResultBatch(ctx context.Context, ex execer, results []ResultRow) error {
	if len(results) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.hf_results
		(sequence, user_id, health_factor, unbounded, status, source_sequence, updated_at_us)
		VALUES `

	values := make([]string, 0, len(results))
	args := make([]interface{}, 0, len(results)*7)

	for i, r := range results {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.Sequence, r.UserID, r.HealthFactor, r.Unbounded,
			r.Status, r.SourceSequence, r.UpdatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
