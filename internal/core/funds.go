package core

import (
	"context"
	"fmt"

	"PerpBook/internal/custody"
	"PerpBook/internal/errs"
	"PerpBook/internal/event"
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// Deposit confirms the transfer with the custodian, then credits available.
func (e *Engine) Deposit(ctx context.Context, account uuid.UUID, amount math.Usd) error {
	if err := validateTransfer(account, amount); err != nil {
		return err
	}
	t := custody.Transfer{
		ID:        uuid.New(),
		MarketID:  e.marketID,
		Account:   account,
		Direction: custody.DirectionDeposit,
		Amount:    amount,
		Timestamp: e.now(),
	}
	if err := e.custodian.Deposit(ctx, t); err != nil {
		if e.metrics != nil {
			e.metrics.CustodyFailures.WithLabelValues(string(t.Direction)).Inc()
		}
		return fmt.Errorf("custody deposit %s: %w", t.ID, err)
	}

	started := e.begin(t.ID.String())
	defer e.commit("deposit", started)

	if err := e.collateral.Deposit(account, amount); err != nil {
		return err
	}
	e.emitFunds(event.EventTypeDeposit, t, false)
	if e.metrics != nil {
		e.metrics.Deposits.Inc()
	}
	e.logger.Info().
		Str("account", account.String()).
		Str("transfer_id", t.ID.String()).
		Str("amount", amount.String()).
		Msg("deposit credited")
	return nil
}

// Withdraw debits available, then asks the custodian to pay out. A refused
// payout is credited back.
func (e *Engine) Withdraw(ctx context.Context, account uuid.UUID, amount math.Usd) error {
	if err := validateTransfer(account, amount); err != nil {
		return err
	}
	t := custody.Transfer{
		ID:        uuid.New(),
		MarketID:  e.marketID,
		Account:   account,
		Direction: custody.DirectionWithdrawal,
		Amount:    amount,
	}
	if err := e.debit(&t); err != nil {
		return err
	}

	if err := e.custodian.Withdraw(ctx, t); err != nil {
		if e.metrics != nil {
			e.metrics.CustodyFailures.WithLabelValues(string(t.Direction)).Inc()
		}
		e.reverse(t, err)
		return fmt.Errorf("custody withdrawal %s: %w", t.ID, err)
	}
	e.logger.Info().
		Str("account", account.String()).
		Str("transfer_id", t.ID.String()).
		Str("amount", amount.String()).
		Msg("withdrawal paid out")
	return nil
}

func (e *Engine) debit(t *custody.Transfer) error {
	started := e.begin(t.ID.String())
	defer e.commit("withdraw", started)

	t.Timestamp = e.now()
	if err := e.collateral.Withdraw(t.Account, t.Amount); err != nil {
		return err
	}
	e.emitFunds(event.EventTypeWithdrawal, *t, false)
	if e.metrics != nil {
		e.metrics.Withdrawals.Inc()
	}
	return nil
}

func (e *Engine) reverse(t custody.Transfer, cause error) {
	started := e.begin(t.ID.String())
	defer e.commit("withdraw_reversal", started)

	if err := e.collateral.Deposit(t.Account, t.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: reverse withdrawal %s: %v", t.ID, err))
	}
	e.emitFunds(event.EventTypeDeposit, t, true)
	e.logger.Warn().
		Err(cause).
		Str("account", t.Account.String()).
		Str("transfer_id", t.ID.String()).
		Str("amount", t.Amount.String()).
		Msg("withdrawal refused by custodian, credited back")
}

func (e *Engine) emitFunds(et event.EventType, t custody.Transfer, reversal bool) {
	e.emit(et, t.ID.String(), e.now(), event.FundsMoved{
		TransferID: t.ID,
		Account:    t.Account,
		Amount:     t.Amount,
		Available:  e.collateral.Available(t.Account),
		Reversal:   reversal,
	})
}

func validateTransfer(account uuid.UUID, amount math.Usd) error {
	if account == uuid.Nil {
		return fmt.Errorf("%w: account is required", errs.ErrInvalidInput)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0, got %s", errs.ErrInvalidInput, amount)
	}
	return nil
}
