package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserBuckets checks available, reserved and locked are all >= 0.
// With total defined as their sum, this is available = total - reserved - locked >= 0.
func (v *InvariantValidator) ValidateUserBuckets(userID uuid.UUID) error {
	for _, st := range []AccountSubType{SubTypeAvailable, SubTypeReserved, SubTypeLocked} {
		if err := v.tracker.ValidateNonNegative(NewUserAccountKey(userID, st)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total := v.tracker.ComputeGlobalBalance()
	if !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}

// ValidateAll runs every check over every user.
func (v *InvariantValidator) ValidateAll() error {
	for _, id := range v.tracker.UserIDs() {
		if err := v.ValidateUserBuckets(id); err != nil {
			return err
		}
	}
	return v.ValidateGlobalBalance()
}
