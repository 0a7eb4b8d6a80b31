package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PerpBook/internal/adl"
	"PerpBook/internal/core"
	"PerpBook/internal/event"
	"PerpBook/internal/ledger"
	"PerpBook/internal/liquidation"
	"PerpBook/internal/observability"

	"github.com/rs/zerolog"
)

// Execer is satisfied by *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store applies projection updates. The Postgres implementation is
// pgStore; tests substitute their own.
type Store interface {
	Apply(ctx context.Context, u Update) error
}

// BalanceDelta is one signed change to an account's projected balance.
type BalanceDelta struct {
	AccountPath string
	Amount      string // signed decimal at the Usd scale
}

// Update is everything one notification changes in the read models.
type Update struct {
	MarketID      string
	Sequence      int64
	Balances      []BalanceDelta
	Liquidation   *liquidation.Outcome
	Socialization *adl.Event
	Payload       []byte
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return len(u.Balances) == 0 && u.Liquidation == nil && u.Socialization == nil
}

// BuildUpdate derives the projection changes of one engine output. Journals
// move value from the credit account to the debit account.
func BuildUpdate(out core.Output) (Update, error) {
	env := out.Envelope
	u := Update{MarketID: env.MarketID, Sequence: env.Sequence, Payload: env.Payload}
	if out.Batch != nil {
		u.Balances = balanceDeltas(out.Batch.Journals)
	}

	switch env.EventType {
	case event.EventTypeLiquidationExecuted, event.EventTypeLiquidationFailed:
		var o liquidation.Outcome
		if err := env.Decode(&o); err != nil {
			return u, err
		}
		u.Liquidation = &o
	case event.EventTypeSocializationCompleted, event.EventTypeSocializationFailed:
		var ev adl.Event
		if err := env.Decode(&ev); err != nil {
			return u, err
		}
		u.Socialization = &ev
	}
	return u, nil
}

func balanceDeltas(journals []ledger.Journal) []BalanceDelta {
	deltas := make([]BalanceDelta, 0, 2*len(journals))
	for _, j := range journals {
		deltas = append(deltas,
			BalanceDelta{AccountPath: j.DebitAccount.AccountPath(), Amount: j.Amount.String()},
			BalanceDelta{AccountPath: j.CreditAccount.AccountPath(), Amount: j.Amount.Neg().String()},
		)
	}
	return deltas
}

// ProjectionWorker keeps the read models in projections.* up to date. The
// engine sends to it without blocking and drops on overflow; the tables can
// be rebuilt from the event log.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return NewProjectionWorkerWithStore(&pgStore{db: db}, inputChan, metrics, logger)
}

func NewProjectionWorkerWithStore(store Store, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the sequence of the last notification processed.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

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
			if err := pw.process(ctx, output); err != nil {
				// Projections are eventually consistent; keep going.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("error").Inc()
				}
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, out core.Output) error {
	u, err := BuildUpdate(out)
	if err != nil {
		return err
	}
	if u.Empty() {
		return nil
	}
	return pw.store.Apply(ctx, u)
}

type pgStore struct {
	db *sql.DB
}

func (s *pgStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (market_id, account_path, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3::numeric, $4, NOW())
			ON CONFLICT (market_id, account_path)
			DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
			              last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		`, u.MarketID, d.AccountPath, d.Amount, u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if u.Liquidation != nil {
		if err := insertLiquidation(ctx, tx, u); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}
	if u.Socialization != nil {
		if err := insertSocialization(ctx, tx, u); err != nil {
			return fmt.Errorf("socialization projection: %w", err)
		}
	}
	return tx.Commit()
}

func insertLiquidation(ctx context.Context, exec Execer, u Update) error {
	o := u.Liquidation
	var socID interface{}
	if o.SocializationID != nil {
		socID = *o.SocializationID
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(liquidation_id, market_id, account, position_id, status, method, closed, execution_price,
			 penalty, gap_loss, bad_debt, deficit, socialization_id, sequence, timestamp_us, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12, $13, $14, $15, $16)
		ON CONFLICT (liquidation_id) DO NOTHING
	`, o.LiquidationID, o.MarketID, o.Account, o.PositionID, string(o.Status), string(o.Method),
		o.Closed.String(), o.ExecutionPrice.String(), o.Penalty.String(), o.GapLoss.String(), o.BadDebt.String(),
		o.Deficit, socID, u.Sequence, o.Timestamp, string(u.Payload))
	return err
}

func insertSocialization(ctx context.Context, exec Execer, u Update) error {
	ev := u.Socialization
	_, err := exec.ExecContext(ctx, `
		INSERT INTO projections.socializations
			(socialization_id, market_id, liquidation_id, liquidated_account, status, total_loss,
			 covered_by_reduction, covered_by_confiscation, uncovered, sequence, timestamp_us, payload)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12)
		ON CONFLICT (socialization_id) DO NOTHING
	`, ev.ID, ev.MarketID, ev.LiquidationID, ev.LiquidatedAccount, string(ev.Status), ev.TotalLoss.String(),
		ev.CoveredByReduction.String(), ev.CoveredByConfiscation.String(), ev.Uncovered.String(),
		u.Sequence, ev.Timestamp, string(u.Payload))
	return err
}

// RebuildBalances recomputes projections.balances of market from the
// journal.
func RebuildBalances(ctx context.Context, db *sql.DB, market string, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.balances WHERE market_id = $1`, market); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (market_id, account_path, balance, last_sequence)
		SELECT $1, account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence
			FROM event_log.journal WHERE market_id = $1
			UNION ALL
			SELECT credit_account, -amount, sequence
			FROM event_log.journal WHERE market_id = $1
		) moves
		GROUP BY account_path
	`, market); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Str("market", market).Msg("balance projection rebuilt")
	return nil
}
