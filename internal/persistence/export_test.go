package persistence

import (
	"context"

	"PerpBook/internal/core"
)

// SetFlushFunc replaces the Postgres write for worker tests.
func (pw *PersistenceWorker) SetFlushFunc(f func(ctx context.Context, events []EventRow, journals []JournalRow, checkpoint *core.SnapshotState) error) {
	pw.flushFn = f
}
