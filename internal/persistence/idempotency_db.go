package persistence

import (
	"context"
	"database/sql"
	"time"
)

const dedupQueryTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the cold tier of event deduplication: a
// lookup against the event log, consulted only on LRU misses. The unique
// index on (event_type, idempotency_key) is created by the migrations.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the event already exists in the event log.
// Bounded by a short timeout so a slow DB degrades dedup to LRU-only
// instead of stalling the core.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupQueryTimeout)
	defer cancel()

	var one int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
