package liquidation

import (
	"github.com/google/uuid"
)

// Queue holds accounts waiting for liquidation evaluation. It is also the
// re-entrancy guard: while a pass drains it, nothing else may start one, and
// accounts added during the pass wait for the next one.
type Queue struct {
	pending  []uuid.UUID
	queued   map[uuid.UUID]struct{}
	retry    []uuid.UUID // failed closings, only retried by sweeps
	retrying map[uuid.UUID]struct{}
	draining bool
}

func NewQueue() *Queue {
	return &Queue{
		queued:   make(map[uuid.UUID]struct{}),
		retrying: make(map[uuid.UUID]struct{}),
	}
}

// Enqueue schedules an account for the next pass. Duplicates collapse.
func (q *Queue) Enqueue(account uuid.UUID) {
	if _, ok := q.queued[account]; ok {
		return
	}
	q.queued[account] = struct{}{}
	q.pending = append(q.pending, account)
}

// Retry schedules an account for the next sweep only.
func (q *Queue) Retry(account uuid.UUID) {
	if _, ok := q.retrying[account]; ok {
		return
	}
	q.retrying[account] = struct{}{}
	q.retry = append(q.retry, account)
}

// Draining reports whether a pass is in progress.
func (q *Queue) Draining() bool { return q.draining }

// Len returns the number of accounts waiting for a pass.
func (q *Queue) Len() int { return len(q.pending) }

// RetryLen returns the number of accounts waiting for a sweep retry.
func (q *Queue) RetryLen() int { return len(q.retry) }

// begin takes the accounts queued so far and marks a pass active. withRetry
// also takes the sweep-only retries.
func (q *Queue) begin(withRetry bool) ([]uuid.UUID, bool) {
	if q.draining {
		return nil, false
	}
	q.draining = true
	batch := q.pending
	q.pending = nil
	q.queued = make(map[uuid.UUID]struct{})
	if withRetry {
		for _, id := range q.retry {
			if !contains(batch, id) {
				batch = append(batch, id)
			}
		}
		q.retry = nil
		q.retrying = make(map[uuid.UUID]struct{})
	}
	return batch, true
}

func (q *Queue) end() {
	q.draining = false
}

// Pending returns a copy of both waiting lists, for snapshots.
func (q *Queue) Pending() (pending, retry []uuid.UUID) {
	return append([]uuid.UUID(nil), q.pending...), append([]uuid.UUID(nil), q.retry...)
}

// Restore reloads waiting accounts from a snapshot.
func (q *Queue) Restore(pending, retry []uuid.UUID) {
	for _, id := range pending {
		q.Enqueue(id)
	}
	for _, id := range retry {
		q.Retry(id)
	}
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
