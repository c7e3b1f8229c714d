package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"HFLedger/internal/fixedpoint"
	"HFLedger/internal/risk"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Queries are
// served over HTTP/JSON, reading from PostgreSQL. All responses include
// as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ErrNotFound is returned when a user has no computed health factor.
var ErrNotFound = sql.ErrNoRows

// GetHealthFactor returns a user's latest computed health factor.
func (qs *QueryService) GetHealthFactor(
	ctx context.Context,
	userID uuid.UUID,
) (*HealthFactorResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		hfStr     string
		unbounded bool
		status    int16
		resp      HealthFactorResponse
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT health_factor, unbounded, status, sequence, source_sequence, updated_at_us
		FROM projections.health_factors
		WHERE user_id = $1
	`, userID).Scan(&hfStr, &unbounded, &status, &resp.Sequence, &resp.SourceSequence, &resp.UpdatedAtUs)
	if err != nil {
		return nil, err
	}

	resp.UserID = userID
	resp.HealthFactor = hfStr
	resp.Unbounded = unbounded
	resp.Status = risk.Status(status).String()
	resp.HealthFactorFloat = renderFloat(hfStr, unbounded)
	resp.AsOfSequence = asOfSeq
	return &resp, nil
}

// GetHealthFactorHistory returns past computations for a user, newest first.
// Supports cursor-based pagination via afterSequence.
func (qs *QueryService) GetHealthFactorHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]HealthFactorHistoryEntry, error) {
	query := `
		SELECT sequence, health_factor, unbounded, status, source_sequence, updated_at_us
		FROM event_log.hf_results
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []HealthFactorHistoryEntry
	for rows.Next() {
		var (
			e      HealthFactorHistoryEntry
			status int16
		)
		if err := rows.Scan(
			&e.Sequence, &e.HealthFactor, &e.Unbounded, &status,
			&e.SourceSequence, &e.UpdatedAtUs,
		); err != nil {
			return nil, err
		}
		e.Status = risk.Status(status).String()
		e.HealthFactorFloat = renderFloat(e.HealthFactor, e.Unbounded)
		history = append(history, e)
	}

	return history, rows.Err()
}

// GetUsersByStatus returns the count of tracked users in each status bucket.
func (qs *QueryService) GetUsersByStatus(ctx context.Context) ([]UsersByStatusEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM projections.health_factors
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []UsersByStatusEntry
	for rows.Next() {
		var (
			status int16
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result = append(result, UsersByStatusEntry{
			Status: risk.Status(status).String(),
			Count:  count,
		})
	}

	return result, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(sequence, 0) FROM projections.watermark WHERE projection = 'health_factors'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// renderFloat produces a display approximation. JSON cannot encode +Inf, so
// unbounded values are pinned to the largest finite float.
func renderFloat(raw string, unbounded bool) float64 {
	if unbounded {
		return math.MaxFloat64
	}
	q, err := fixedpoint.ParseDecimal(raw)
	if err != nil {
		return 0
	}
	return q.Float64()
}
