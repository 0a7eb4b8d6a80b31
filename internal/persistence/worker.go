package persistence

import (
	"context"
	"database/sql"
	"time"

	"PerpBook/internal/core"
	"PerpBook/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with blocking sends, so if this
// worker falls behind the engine stalls and no notification is lost.
//
// A batch only closes on the last output of an engine operation, and the
// checkpoint that output carries is written in the same transaction as the
// events. The newest snapshot therefore always matches the event log head.
type PersistenceWorker struct {
	db             *sql.DB
	writer         *EventLogWriter
	snapshots      *SnapshotManager
	inputChan      <-chan core.Output
	batchSize      int
	flushTimeout   time.Duration
	snapshotRetain int
	metrics        *observability.Metrics
	logger         zerolog.Logger

	// flushFn is replaced in tests
	flushFn func(ctx context.Context, events []EventRow, journals []JournalRow, checkpoint *core.SnapshotState) error
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	snapshotRetain int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		db:             db,
		writer:         NewEventLogWriter(db),
		snapshots:      NewSnapshotManager(db, metrics),
		inputChan:      inputChan,
		batchSize:      batchSize,
		flushTimeout:   flushTimeout,
		snapshotRetain: snapshotRetain,
		metrics:        metrics,
		logger:         logger,
	}
	pw.flushFn = pw.flush
	return pw
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires, in both cases at the next operation boundary.
// Blocks until ctx is cancelled or the input channel is closed; either way
// the pending batch is flushed first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*4)
	var checkpoint *core.SnapshotState
	boundary := true

	reset := func() {
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
		checkpoint = nil
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(eventBatch) > 0 {
				if err := pw.flushFn(context.Background(), eventBatch, journalBatch, checkpoint); err != nil {
					pw.logger.Error().Err(err).Int("events", len(eventBatch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(eventBatch) > 0 {
					if err := pw.flushWithRetry(context.Background(), eventBatch, journalBatch, checkpoint); err != nil {
						pw.logger.Error().Err(err).Int("events", len(eventBatch)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, journals := RowsFromOutput(output)
			eventBatch = append(eventBatch, row)
			journalBatch = append(journalBatch, journals...)
			boundary = output.Checkpoint != nil
			if boundary {
				checkpoint = output.Checkpoint
			}

			if len(eventBatch) >= pw.batchSize && boundary {
				if err := pw.flushWithRetry(ctx, eventBatch, journalBatch, checkpoint); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 && boundary {
				if err := pw.flushWithRetry(ctx, eventBatch, journalBatch, checkpoint); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow, checkpoint *core.SnapshotState) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flushFn(context.Background(), events, journals, checkpoint)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flushFn(ctx, events, journals, checkpoint)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Int("attempt", attempt).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow, checkpoint *core.SnapshotState) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if checkpoint != nil {
		if err := pw.snapshots.saveSnapshot(ctx, tx, checkpoint); err != nil {
			pw.countError("write_snapshot")
			return err
		}
		if pw.snapshotRetain > 0 {
			if err := pw.snapshots.pruneSnapshots(ctx, tx, checkpoint.MarketID, pw.snapshotRetain); err != nil {
				pw.countError("prune_snapshots")
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
