package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"HFLedger/internal/observability"
)

// CoreOutput mirrors core.CoreOutput to avoid an import cycle.
// The orchestrator (cmd/hfledger) bridges between core.CoreOutput and this.
type CoreOutput struct {
	EventRow  EventRow
	ResultRow *ResultRow // nil for events without a computed health factor
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// This goroutine runs independently from the deterministic core. The persist
// channel uses BLOCKING sends from the core, so if this worker falls behind,
// the core stalls — guaranteeing no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	resultBatch := make([]ResultRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(eventBatch) > 0 {
				if err := pw.flush(context.Background(), eventBatch, resultBatch); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed — flush and exit
				if len(eventBatch) > 0 {
					if err := pw.flush(context.Background(), eventBatch, resultBatch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			eventBatch = append(eventBatch, output.EventRow)
			if output.ResultRow != nil {
				resultBatch = append(resultBatch, *output.ResultRow)
			}

			// Flush if batch is full
			if len(eventBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, eventBatch, resultBatch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				resultBatch = resultBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout — write whatever we have
			if len(eventBatch) > 0 {
				if err := pw.flushWithRetry(ctx, eventBatch, resultBatch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				resultBatch = resultBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops events — it retries until the write succeeds or the context
// is cancelled (graceful shutdown does one last flush).
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, results []ResultRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				// Graceful shutdown — attempt one final flush with background
				// context to avoid losing the batch.
				finalErr := pw.flush(context.Background(), events, results)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, results)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, results []ResultRow) error {
	start := time.Now()

	// Events and results commit in a single transaction
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteResultBatch(ctx, tx, results); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_results").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	// Record metrics on success
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistResultsWritten.Add(float64(len(results)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}
