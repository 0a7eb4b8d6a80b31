// Package custody is the boundary to whatever actually moves funds in and
// out of the venue. The engine records balances; a Custodian confirms that
// the matching external transfer happened.
package custody

import (
	"context"
	"fmt"
	"sync"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// Direction of a transfer relative to the venue
type Direction string

const (
	DirectionDeposit    Direction = "deposit"
	DirectionWithdrawal Direction = "withdrawal"
)

// Transfer is one external fund movement.
type Transfer struct {
	ID        uuid.UUID `json:"transfer_id"`
	MarketID  string    `json:"market_id"`
	Account   uuid.UUID `json:"account"`
	Direction Direction `json:"direction"`
	Amount    math.Usd  `json:"amount"`
	Timestamp int64     `json:"timestamp"` // epoch microseconds
}

// Custodian performs the external side of deposits and withdrawals. The
// engine calls it outside the market lock.
//
// Deposit is called before the ledger is credited; an error leaves the
// ledger untouched. Withdraw is called after the ledger was debited; an
// error makes the engine reverse the debit.
type Custodian interface {
	Deposit(ctx context.Context, t Transfer) error
	Withdraw(ctx context.Context, t Transfer) error
}

// Memory is an in-process Custodian that records every transfer. It backs
// tests and single-node development setups with no external custody.
type Memory struct {
	mu        sync.Mutex
	transfers []Transfer
	fail      map[Direction]error
}

func NewMemory() *Memory {
	return &Memory{fail: make(map[Direction]error)}
}

// FailNext makes the next call in direction d return err.
func (m *Memory) FailNext(d Direction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[d] = err
}

func (m *Memory) Deposit(ctx context.Context, t Transfer) error {
	return m.record(ctx, DirectionDeposit, t)
}

func (m *Memory) Withdraw(ctx context.Context, t Transfer) error {
	return m.record(ctx, DirectionWithdrawal, t)
}

func (m *Memory) record(ctx context.Context, d Direction, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Direction != d {
		return fmt.Errorf("transfer %s: direction %s on %s call", t.ID, t.Direction, d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[d]; ok {
		delete(m.fail, d)
		return err
	}
	m.transfers = append(m.transfers, t)
	return nil
}

// Transfers returns the recorded transfers in call order.
func (m *Memory) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}
