package projection

import (
	"context"
	"database/sql"
	"fmt"

	"HFLedger/internal/observability"
	"HFLedger/internal/state"

	"github.com/rs/zerolog"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Result    *state.UserRiskRecord
	Timestamp int64
}

// ProjectionWorker updates the read-side health factor table from processed
// events. The projection channel is non-blocking with drop: if projections
// fall behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().
					Int64("sequence", output.Sequence).
					Err(err).
					Msg("projection update failed")
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Result != nil {
		if err := pw.upsertHealthFactor(ctx, tx, output.Sequence, output.Result); err != nil {
			return fmt.Errorf("health factor projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, sequence, updated_at)
		VALUES ('health_factors', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) upsertHealthFactor(ctx context.Context, tx *sql.Tx, seq int64, r *state.UserRiskRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.health_factors
			(user_id, health_factor, unbounded, status, sequence, source_sequence, updated_at_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			health_factor   = EXCLUDED.health_factor,
			unbounded       = EXCLUDED.unbounded,
			status          = EXCLUDED.status,
			sequence        = EXCLUDED.sequence,
			source_sequence = EXCLUDED.source_sequence,
			updated_at_us   = EXCLUDED.updated_at_us
		WHERE projections.health_factors.sequence < EXCLUDED.sequence
	`, r.User, r.HealthFactor, r.Unbounded, r.Status, seq, r.SourceSequence, r.UpdatedAt)
	return err
}

// RebuildProjections rebuilds the read-side tables from the event log.
// Projections hold no authoritative state, so a rebuild is always safe.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.health_factors`,
		`DELETE FROM projections.watermark WHERE projection = 'health_factors'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Latest computed result per user becomes the projection row.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.health_factors
			(user_id, health_factor, unbounded, status, sequence, source_sequence, updated_at_us)
		SELECT DISTINCT ON (user_id)
			user_id, health_factor, unbounded, status, sequence, source_sequence, updated_at_us
		FROM event_log.hf_results
		ORDER BY user_id, sequence DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild health factors: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, sequence, updated_at)
		SELECT 'health_factors', COALESCE(MAX(sequence), 0), NOW()
		FROM event_log.hf_results
		ON CONFLICT (projection) DO UPDATE SET sequence = EXCLUDED.sequence, updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	logger := observability.NewLogger("projection")
	logger.Info().Msg("projection rebuild complete")
	return nil
}
