package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"PerpBook/internal/event"
	"PerpBook/internal/math"
	"PerpBook/internal/persistence"

	"github.com/google/uuid"
)

var errNoDatabase = errors.New("history store not configured")

// verifyBatchSize is the number of events loaded per round trip while
// walking the chain.
const verifyBatchSize = 1000

// LiquidationHistory returns liquidation records of the market, newest
// first. A non-nil account restricts the result to that account.
func (qs *QueryService) LiquidationHistory(ctx context.Context, account *uuid.UUID, page Page) ([]LiquidationRecord, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}

	query := `
		SELECT liquidation_id, market_id, account, position_id, status, method,
		       closed, execution_price, penalty, gap_loss, bad_debt, deficit,
		       socialization_id, sequence, timestamp_us
		FROM projections.liquidations
		WHERE market_id = $1
	`
	args := []interface{}{qs.market.MarketID()}
	argIdx := 2

	if account != nil {
		query += fmt.Sprintf(" AND account = $%d", argIdx)
		args = append(args, *account)
		argIdx++
	}
	if page.Before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, page.Before)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, page.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []LiquidationRecord{}
	for rows.Next() {
		var r LiquidationRecord
		var closed, execPrice, penalty, gap, debt string
		var socID uuid.NullUUID
		if err := rows.Scan(
			&r.LiquidationID, &r.MarketID, &r.Account, &r.PositionID, &r.Status, &r.Method,
			&closed, &execPrice, &penalty, &gap, &debt, &r.Deficit,
			&socID, &r.Sequence, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if socID.Valid {
			id := socID.UUID
			r.SocializationID = &id
		}
		var d decoder
		r.Closed = d.amount(closed)
		r.ExecutionPrice = d.price(execPrice)
		r.Penalty = d.usd(penalty)
		r.GapLoss = d.usd(gap)
		r.BadDebt = d.usd(debt)
		if d.err != nil {
			return nil, fmt.Errorf("liquidation %s: %w", r.LiquidationID, d.err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SocializationHistory returns ADL events of the market, newest first.
func (qs *QueryService) SocializationHistory(ctx context.Context, page Page) ([]SocializationRecord, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}

	query := `
		SELECT socialization_id, market_id, liquidation_id, liquidated_account, status,
		       total_loss, covered_by_reduction, covered_by_confiscation, uncovered,
		       sequence, timestamp_us
		FROM projections.socializations
		WHERE market_id = $1
	`
	args := []interface{}{qs.market.MarketID()}
	argIdx := 2

	if page.Before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, page.Before)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, page.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []SocializationRecord{}
	for rows.Next() {
		var r SocializationRecord
		var total, reduction, confisc, uncovered string
		if err := rows.Scan(
			&r.SocializationID, &r.MarketID, &r.LiquidationID, &r.LiquidatedAccount, &r.Status,
			&total, &reduction, &confisc, &uncovered,
			&r.Sequence, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		var d decoder
		r.TotalLoss = d.usd(total)
		r.CoveredByReduction = d.usd(reduction)
		r.CoveredByConfiscation = d.usd(confisc)
		r.Uncovered = d.usd(uncovered)
		if d.err != nil {
			return nil, fmt.Errorf("socialization %s: %w", r.SocializationID, d.err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// JournalHistory returns journals that debit or credit any sub-account of
// account, newest first.
func (qs *QueryService) JournalHistory(ctx context.Context, account uuid.UUID, page Page) ([]JournalRecord, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp_us
		FROM event_log.journal
		WHERE market_id = $1 AND (debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []interface{}{qs.market.MarketID(), accountPrefix}
	argIdx := 3

	if page.Before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, page.Before)
		argIdx++
	}
	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, page.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalRecord{}
	for rows.Next() {
		var (
			e      JournalRecord
			amount string
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		var d decoder
		e.Amount = d.usd(amount)
		if d.err != nil {
			return nil, fmt.Errorf("journal %s: %w", e.JournalID, d.err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyChain walks the stored event log of the market from its first
// sequence and checks every hash link, starting from the genesis hash.
func (qs *QueryService) VerifyChain(ctx context.Context) (*ChainReport, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}
	market := qs.market.MarketID()
	report := &ChainReport{MarketID: market, Valid: true}

	prev := event.GenesisHash(market)
	next := int64(1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := persistence.LoadEventsFrom(ctx, qs.db, market, next, verifyBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}

		envs := make([]*event.Envelope, 0, len(rows))
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return nil, err
			}
			envs = append(envs, env)
		}
		if envs[0].Sequence != next {
			report.Valid = false
			report.FirstInvalid = envs[0].Sequence
			report.Reason = fmt.Sprintf("sequence gap: %d after %d", envs[0].Sequence, next-1)
			break
		}

		res := event.Verify(prev, envs)
		report.Checked += res.Checked
		if !res.Valid {
			report.Valid = false
			report.FirstInvalid = res.FirstInvalid
			report.Reason = res.Reason
			break
		}
		prev = envs[len(envs)-1].Hash
		next = envs[len(envs)-1].Sequence + 1
		if len(rows) < verifyBatchSize {
			break
		}
	}

	report.Tip = hex.EncodeToString(prev[:])
	report.MatchesEngine = report.Valid && report.Tip == qs.market.Snapshot().ChainTip
	return report, nil
}

// decoder parses NUMERIC columns, keeping the first error.
type decoder struct {
	err error
}

func (d *decoder) usd(s string) math.Usd {
	v, err := math.ParseUsd(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *decoder) amount(s string) math.Amount {
	v, err := math.ParseAmount(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *decoder) price(s string) math.Price {
	v, err := math.ParsePrice(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}
