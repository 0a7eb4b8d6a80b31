package custody_test

import (
	"context"
	"errors"
	"testing"

	"PerpBook/internal/custody"
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

func transfer(d custody.Direction) custody.Transfer {
	return custody.Transfer{
		ID:        uuid.New(),
		MarketID:  "ETH-USD-PERP",
		Account:   uuid.New(),
		Direction: d,
		Amount:    math.NewUsd(10),
	}
}

func TestMemory_RecordsInOrder(t *testing.T) {
	m := custody.NewMemory()
	ctx := context.Background()

	dep := transfer(custody.DirectionDeposit)
	wd := transfer(custody.DirectionWithdrawal)
	if err := m.Deposit(ctx, dep); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.Withdraw(ctx, wd); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	got := m.Transfers()
	if len(got) != 2 || got[0].ID != dep.ID || got[1].ID != wd.ID {
		t.Fatalf("got %+v", got)
	}
}

func TestMemory_FailNextOnce(t *testing.T) {
	m := custody.NewMemory()
	boom := errors.New("bank offline")
	m.FailNext(custody.DirectionWithdrawal, boom)

	if err := m.Withdraw(context.Background(), transfer(custody.DirectionWithdrawal)); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if err := m.Withdraw(context.Background(), transfer(custody.DirectionWithdrawal)); err != nil {
		t.Fatalf("second call: got %v, want nil", err)
	}
	if n := len(m.Transfers()); n != 1 {
		t.Errorf("recorded: got %d, want 1", n)
	}
}

func TestMemory_RejectsDirectionMismatch(t *testing.T) {
	m := custody.NewMemory()
	if err := m.Deposit(context.Background(), transfer(custody.DirectionWithdrawal)); err == nil {
		t.Fatal("expected error for withdrawal passed to Deposit")
	}
}
