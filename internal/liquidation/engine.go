package liquidation

import (
	"context"
	"errors"
	"fmt"

	"PerpBook/internal/errs"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Evaluator checks one account and liquidates it when required. It returns
// a non-nil Outcome or an error; errs.ErrPositionNotLiquidatable and
// errs.ErrPositionNotFound mean there was nothing to do, and passes skip
// such accounts.
type Evaluator func(account uuid.UUID) (*Outcome, error)

// CursorStore persists the sweep cursor so a restarted engine resumes where
// the previous sweep left off.
type CursorStore interface {
	LoadCursor(ctx context.Context, marketID string) (int, bool, error)
	SaveCursor(ctx context.Context, marketID string, cursor int) error
}

// Engine schedules liquidation passes for one market. It owns the work queue
// and the round-robin sweep cursor; the market engine supplies the
// evaluation and holds the market lock around every call.
type Engine struct {
	marketID string
	queue    *Queue
	cursor   int
	logger   zerolog.Logger
}

func NewEngine(marketID string, logger zerolog.Logger) *Engine {
	return &Engine{
		marketID: marketID,
		queue:    NewQueue(),
		logger:   logger,
	}
}

func (e *Engine) Queue() *Queue { return e.queue }

func (e *Engine) Cursor() int { return e.cursor }

func (e *Engine) SetCursor(cursor int) {
	if cursor < 0 {
		cursor = 0
	}
	e.cursor = cursor
}

// Enqueue schedules an account for the next pass, typically one side of a
// trade that just executed.
func (e *Engine) Enqueue(account uuid.UUID) {
	e.queue.Enqueue(account)
}

// Drain evaluates the accounts queued before this call. Accounts queued while
// it runs, including counterparties of the liquidation fills, wait for the
// next pass.
func (e *Engine) Drain(eval Evaluator) ([]Outcome, error) {
	batch, ok := e.queue.begin(false)
	if !ok {
		return nil, fmt.Errorf("%w: drain while a pass is active", errs.ErrReentrantLiquidation)
	}
	defer e.queue.end()

	var outcomes []Outcome
	for i, account := range batch {
		out, err := e.evaluate(account, eval)
		if err != nil {
			e.requeue(batch[i:])
			return outcomes, err
		}
		if out != nil {
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes, nil
}

// RunSingle evaluates one account as its own pass, for manual triggers.
func (e *Engine) RunSingle(account uuid.UUID, eval Evaluator) (*Outcome, error) {
	if e.queue.Draining() {
		return nil, fmt.Errorf("%w: liquidation pass already active", errs.ErrReentrantLiquidation)
	}
	e.queue.draining = true
	defer e.queue.end()

	out, err := eval(account)
	if err != nil {
		return nil, err
	}
	if out.Status == StatusFailed {
		e.queue.Retry(account)
	}
	return out, nil
}

// Sweep first evaluates queued and retried accounts, then a window of at most
// batchSize accounts from tracked (ascending order) starting at the cursor and
// wrapping around. The cursor advances to the end of the window. If
// evaluation fails the cursor stays put and unevaluated accounts are kept for
// the next sweep.
func (e *Engine) Sweep(tracked []uuid.UUID, batchSize int, eval Evaluator) (SweepOutcome, error) {
	if batchSize <= 0 {
		return SweepOutcome{}, fmt.Errorf("%w: batch size must be > 0, got %d", errs.ErrInvalidInput, batchSize)
	}
	requeued, ok := e.queue.begin(true)
	if !ok {
		return SweepOutcome{}, fmt.Errorf("%w: sweep while a pass is active", errs.ErrReentrantLiquidation)
	}
	defer e.queue.end()

	n := len(tracked)
	res := SweepOutcome{Tracked: n, Requeued: len(requeued)}
	if n > 0 {
		res.Start = e.cursor % n
	}
	res.End = res.Start

	record := func(out *Outcome) {
		if out == nil {
			return
		}
		res.Liquidations = append(res.Liquidations, *out)
		switch out.Status {
		case StatusExecuted:
			res.Executed++
		case StatusFailed:
			res.Failed++
		}
		if out.Deficit {
			res.Deficits++
		}
	}

	done := make(map[uuid.UUID]struct{}, len(requeued))
	for i, account := range requeued {
		out, err := e.evaluate(account, eval)
		if err != nil {
			e.requeue(requeued[i:])
			return res, err
		}
		done[account] = struct{}{}
		record(out)
	}

	window := batchSize
	if window > n {
		window = n
	}
	for i := 0; i < window; i++ {
		account := tracked[(res.Start+i)%n]
		if _, seen := done[account]; seen {
			res.Scanned++
			continue
		}
		out, err := e.evaluate(account, eval)
		if err != nil {
			return res, err
		}
		res.Scanned++
		record(out)
	}
	if n > 0 {
		res.End = (res.Start + window) % n
	}
	e.cursor = res.End

	e.logger.Debug().
		Str("market", e.marketID).
		Int("tracked", n).
		Int("start", res.Start).
		Int("end", res.End).
		Int("requeued", res.Requeued).
		Int("executed", res.Executed).
		Int("failed", res.Failed).
		Msg("liquidation sweep complete")

	return res, nil
}

// evaluate returns a nil Outcome for a skipped account.
func (e *Engine) evaluate(account uuid.UUID, eval Evaluator) (*Outcome, error) {
	out, err := eval(account)
	if err != nil {
		if errors.Is(err, errs.ErrPositionNotLiquidatable) || errors.Is(err, errs.ErrPositionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if out.Status == StatusFailed {
		e.queue.Retry(account)
		e.logger.Warn().
			Str("market", e.marketID).
			Str("account", account.String()).
			Str("liquidation_id", out.LiquidationID.String()).
			Msg("liquidation found no liquidity, retrying on next sweep")
	}
	return out, nil
}

func (e *Engine) requeue(accounts []uuid.UUID) {
	for _, a := range accounts {
		e.queue.Retry(a)
	}
}
