package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpBook/internal/custody"
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// CustodyLog is a custody.Custodian that records every transfer in
// custody_transfers. It is the custody boundary for deployments where an
// external system settles transfers from the log.
type CustodyLog struct {
	db *sql.DB
}

func NewCustodyLog(db *sql.DB) *CustodyLog {
	return &CustodyLog{db: db}
}

func (c *CustodyLog) Deposit(ctx context.Context, t custody.Transfer) error {
	if t.Direction != custody.DirectionDeposit {
		return fmt.Errorf("custody log: transfer %s is a %s", t.ID, t.Direction)
	}
	return c.record(ctx, t)
}

func (c *CustodyLog) Withdraw(ctx context.Context, t custody.Transfer) error {
	if t.Direction != custody.DirectionWithdrawal {
		return fmt.Errorf("custody log: transfer %s is a %s", t.ID, t.Direction)
	}
	return c.record(ctx, t)
}

// record inserts the transfer. Transfer ids are unique, so a replayed call
// is a no-op.
func (c *CustodyLog) record(ctx context.Context, t custody.Transfer) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO event_log.custody_transfers
			(transfer_id, market_id, account, direction, amount, timestamp_us, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transfer_id) DO NOTHING
	`, t.ID, t.MarketID, t.Account, string(t.Direction), t.Amount.String(), t.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record %s %s: %w", t.Direction, t.ID, err)
	}
	return nil
}

// Transfers returns the recorded transfers of account, newest first.
func (c *CustodyLog) Transfers(ctx context.Context, account uuid.UUID, limit int) ([]custody.Transfer, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT transfer_id, market_id, account, direction, amount::text, timestamp_us
		FROM event_log.custody_transfers
		WHERE account = $1
		ORDER BY timestamp_us DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []custody.Transfer
	for rows.Next() {
		var (
			t         custody.Transfer
			direction string
			amount    string
		)
		if err := rows.Scan(&t.ID, &t.MarketID, &t.Account, &direction, &amount, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Direction = custody.Direction(direction)
		if t.Amount, err = math.ParseUsd(amount); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
