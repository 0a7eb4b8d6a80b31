package ledger

import (
	"fmt"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]math.Usd
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]math.Usd),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) math.Usd {
	return bt.balances[key]
}

// SetBalance overwrites a balance. Only used when restoring a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, v math.Usd) {
	if v.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// GetUserAvailableBalance returns collateral free for new margin or withdrawal
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID) math.Usd {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeAvailable))
}

// GetUserReservedBalance returns margin reserved for open orders
func (bt *BalanceTracker) GetUserReservedBalance(userID uuid.UUID) math.Usd {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeReserved))
}

// GetUserLockedBalance returns margin locked in open positions
func (bt *BalanceTracker) GetUserLockedBalance(userID uuid.UUID) math.Usd {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeLocked))
}

// GetUserTotalBalance returns available + reserved + locked
func (bt *BalanceTracker) GetUserTotalBalance(userID uuid.UUID) math.Usd {
	return bt.GetUserAvailableBalance(userID).
		Add(bt.GetUserReservedBalance(userID)).
		Add(bt.GetUserLockedBalance(userID))
}

// ValidateSufficient checks key holds at least required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required math.Usd) error {
	have := bt.GetBalance(key)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient %s: have=%s, need=%s", key.AccountPath(), have, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() math.Usd {
	total := math.ZeroUsd()
	for _, balance := range bt.balances {
		total = total.Add(balance)
	}
	return total
}

// UserIDs returns every user that has a non-zero sub-account balance.
func (bt *BalanceTracker) UserIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	out := make([]uuid.UUID, 0)
	for key := range bt.balances {
		if key.Scope != AccountScopeUser {
			continue
		}
		id := key.UserID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]math.Usd {
	snapshot := make(map[AccountKey]math.Usd, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
