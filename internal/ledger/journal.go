package ledger

import (
	"fmt"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginReserve
	JournalTypeMarginRelease
	JournalTypeMarginLock
	JournalTypeMarginUnlock
	JournalTypeTradePnL
	JournalTypeTradeFee
	JournalTypeLiquidationPenalty
	JournalTypeConfiscation
	JournalTypeBadDebt
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "Deposit"
	case JournalTypeWithdrawal:
		return "Withdrawal"
	case JournalTypeMarginReserve:
		return "MarginReserve"
	case JournalTypeMarginRelease:
		return "MarginRelease"
	case JournalTypeMarginLock:
		return "MarginLock"
	case JournalTypeMarginUnlock:
		return "MarginUnlock"
	case JournalTypeTradePnL:
		return "TradePnL"
	case JournalTypeTradeFee:
		return "TradeFee"
	case JournalTypeLiquidationPenalty:
		return "LiquidationPenalty"
	case JournalTypeConfiscation:
		return "Confiscation"
	case JournalTypeBadDebt:
		return "BadDebt"
	default:
		return "Unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries produced by one engine operation
	EventRef      string      // Reference of the originating operation (order id, liquidation id)
	Sequence      int64       // Notification sequence the batch was emitted with
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        math.Usd    // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch represents the journal entries of one engine operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from the credit account to the debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}
