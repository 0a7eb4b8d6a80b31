package ledger

import (
	"fmt"
	"sort"

	"PerpBook/internal/errs"
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// Entry is the derived view of one account's collateral.
type Entry struct {
	UserID      uuid.UUID `json:"user_id"`
	Total       math.Usd  `json:"total"`
	Available   math.Usd  `json:"available"`
	Reserved    math.Usd  `json:"reserved"`
	Locked      math.Usd  `json:"locked"`
	RealizedPnL math.Usd  `json:"realized_pnl"`
}

// CollateralLedger tracks per-account collateral for one market as
// double-entry balances. Every mutation appends journals to the open batch,
// which the engine collects after each operation with TakeBatch.
type CollateralLedger struct {
	marketID string
	tracker  *BalanceTracker
	realized map[uuid.UUID]math.Usd
	pending  []Journal
	eventRef string

	settlement AccountKey
	fees       AccountKey
	badDebt    AccountKey
	custody    AccountKey
}

func NewCollateralLedger(marketID string) *CollateralLedger {
	return &CollateralLedger{
		marketID:   marketID,
		tracker:    NewBalanceTracker(),
		realized:   make(map[uuid.UUID]math.Usd),
		settlement: NewSystemAccountKey(marketID, SubTypeSystemSettlement),
		fees:       NewSystemAccountKey(marketID, SubTypeSystemFees),
		badDebt:    NewSystemAccountKey(marketID, SubTypeSystemBadDebt),
		custody:    NewExternalAccountKey(SubTypeExternalCustody),
	}
}

// SetEventRef tags subsequent journals with the originating operation.
func (l *CollateralLedger) SetEventRef(ref string) {
	l.eventRef = ref
}

func (l *CollateralLedger) post(debit, credit AccountKey, amount math.Usd, jt JournalType) {
	if amount.Sign() <= 0 {
		return
	}
	j := Journal{
		JournalID:     uuid.New(),
		EventRef:      l.eventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
	}
	l.tracker.ApplyJournal(j)
	l.pending = append(l.pending, j)
}

// TakeBatch closes the open batch, stamping it with sequence and timestamp.
// Returns nil when the operation produced no journals.
func (l *CollateralLedger) TakeBatch(sequence, timestamp int64) *Batch {
	if len(l.pending) == 0 {
		return nil
	}
	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  l.eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  l.pending,
	}
	for i := range batch.Journals {
		batch.Journals[i].BatchID = batch.BatchID
		batch.Journals[i].Sequence = sequence
		batch.Journals[i].Timestamp = timestamp
	}
	l.pending = nil
	l.eventRef = ""
	return batch
}

func available(id uuid.UUID) AccountKey { return NewUserAccountKey(id, SubTypeAvailable) }
func reserved(id uuid.UUID) AccountKey  { return NewUserAccountKey(id, SubTypeReserved) }
func locked(id uuid.UUID) AccountKey    { return NewUserAccountKey(id, SubTypeLocked) }

// ============================================================================
// Deposits and withdrawals (touch only available)
// ============================================================================

func (l *CollateralLedger) Deposit(userID uuid.UUID, amount math.Usd) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be > 0, got %s", errs.ErrInvalidInput, amount)
	}
	l.post(available(userID), l.custody, amount, JournalTypeDeposit)
	return nil
}

func (l *CollateralLedger) Withdraw(userID uuid.UUID, amount math.Usd) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdrawal amount must be > 0, got %s", errs.ErrInvalidInput, amount)
	}
	if err := l.tracker.ValidateSufficient(available(userID), amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInsufficientCollateral, err)
	}
	l.post(l.custody, available(userID), amount, JournalTypeWithdrawal)
	return nil
}

// ============================================================================
// Margin transitions
// ============================================================================

// Reserve moves margin from available to reserved for an open order.
func (l *CollateralLedger) Reserve(userID uuid.UUID, amount math.Usd) error {
	if err := l.tracker.ValidateSufficient(available(userID), amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInsufficientCollateral, err)
	}
	l.post(reserved(userID), available(userID), amount, JournalTypeMarginReserve)
	return nil
}

// ReleaseReserved returns reserved margin to available.
func (l *CollateralLedger) ReleaseReserved(userID uuid.UUID, amount math.Usd) {
	l.post(available(userID), reserved(userID), amount, JournalTypeMarginRelease)
}

// LockReserved converts reserved margin into margin locked by a position.
func (l *CollateralLedger) LockReserved(userID uuid.UUID, amount math.Usd) {
	l.post(locked(userID), reserved(userID), amount, JournalTypeMarginLock)
}

// ReleaseLocked returns locked margin to available.
func (l *CollateralLedger) ReleaseLocked(userID uuid.UUID, amount math.Usd) {
	l.post(available(userID), locked(userID), amount, JournalTypeMarginUnlock)
}

// ============================================================================
// Settlement
// ============================================================================

// SettleProfit pays realized profit from the market settlement pool.
func (l *CollateralLedger) SettleProfit(userID uuid.UUID, amount math.Usd) {
	if amount.Sign() <= 0 {
		return
	}
	l.realized[userID] = l.realized[userID].Add(amount)
	l.post(available(userID), l.settlement, amount, JournalTypeTradePnL)
}

// SettleLoss charges a realized loss to available. The full loss is recorded
// as realized PnL; what available cannot pay is returned as the shortfall.
func (l *CollateralLedger) SettleLoss(userID uuid.UUID, amount math.Usd) (shortfall math.Usd) {
	if amount.Sign() <= 0 {
		return math.ZeroUsd()
	}
	l.realized[userID] = l.realized[userID].Sub(amount)
	paid := math.MinUsd(amount, math.MaxUsd(l.tracker.GetBalance(available(userID)), math.ZeroUsd()))
	l.post(l.settlement, available(userID), paid, JournalTypeTradePnL)
	return amount.Sub(paid)
}

// ChargeFee moves a fee from available to the fee account. The fee is capped
// at available; the amount actually charged is returned.
func (l *CollateralLedger) ChargeFee(userID uuid.UUID, amount math.Usd) math.Usd {
	paid := math.MinUsd(amount, math.MaxUsd(l.tracker.GetBalance(available(userID)), math.ZeroUsd()))
	l.post(l.fees, available(userID), paid, JournalTypeTradeFee)
	return paid
}

// PayPenalty transfers a liquidation penalty between two accounts' available
// balances, capped at what the payer holds.
func (l *CollateralLedger) PayPenalty(from, to uuid.UUID, amount math.Usd) math.Usd {
	paid := math.MinUsd(amount, math.MaxUsd(l.tracker.GetBalance(available(from)), math.ZeroUsd()))
	if from == to {
		return paid
	}
	l.post(available(to), available(from), paid, JournalTypeLiquidationPenalty)
	return paid
}

// Confiscate moves up to amount of available collateral into the settlement
// pool, returning what was taken.
func (l *CollateralLedger) Confiscate(userID uuid.UUID, amount math.Usd) math.Usd {
	taken := math.MinUsd(amount, math.MaxUsd(l.tracker.GetBalance(available(userID)), math.ZeroUsd()))
	l.post(l.settlement, available(userID), taken, JournalTypeConfiscation)
	return taken
}

// WriteOffBadDebt records an unrecoverable loss against the bad-debt account.
func (l *CollateralLedger) WriteOffBadDebt(amount math.Usd) {
	l.post(l.settlement, l.badDebt, amount, JournalTypeBadDebt)
}

// ============================================================================
// Queries
// ============================================================================

func (l *CollateralLedger) Available(userID uuid.UUID) math.Usd {
	return l.tracker.GetUserAvailableBalance(userID)
}

func (l *CollateralLedger) Locked(userID uuid.UUID) math.Usd {
	return l.tracker.GetUserLockedBalance(userID)
}

func (l *CollateralLedger) Reserved(userID uuid.UUID) math.Usd {
	return l.tracker.GetUserReservedBalance(userID)
}

func (l *CollateralLedger) Entry(userID uuid.UUID) Entry {
	return Entry{
		UserID:      userID,
		Total:       l.tracker.GetUserTotalBalance(userID),
		Available:   l.tracker.GetUserAvailableBalance(userID),
		Reserved:    l.tracker.GetUserReservedBalance(userID),
		Locked:      l.tracker.GetUserLockedBalance(userID),
		RealizedPnL: l.realized[userID],
	}
}

// Entries returns every known account ordered by user id.
func (l *CollateralLedger) Entries() []Entry {
	ids := l.userIDs()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.Entry(id))
	}
	return out
}

func (l *CollateralLedger) userIDs() []uuid.UUID {
	set := make(map[uuid.UUID]struct{})
	for _, id := range l.tracker.UserIDs() {
		set[id] = struct{}{}
	}
	for id := range l.realized {
		set[id] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// SystemBalances returns the market's system and external balances.
func (l *CollateralLedger) SystemBalances() SystemBalances {
	return SystemBalances{
		Settlement: l.tracker.GetBalance(l.settlement),
		Fees:       l.tracker.GetBalance(l.fees),
		BadDebt:    l.tracker.GetBalance(l.badDebt),
		Custody:    l.tracker.GetBalance(l.custody),
	}
}

// SystemBalances are the non-user balances of one market's ledger.
type SystemBalances struct {
	Settlement math.Usd `json:"settlement"`
	Fees       math.Usd `json:"fees"`
	BadDebt    math.Usd `json:"bad_debt"`
	Custody    math.Usd `json:"custody"`
}

// ============================================================================
// Snapshot and restore
// ============================================================================

// State is the serializable content of a CollateralLedger.
type State struct {
	Accounts []Entry        `json:"accounts"`
	System   SystemBalances `json:"system"`
}

func (l *CollateralLedger) Export() State {
	return State{
		Accounts: l.Entries(),
		System:   l.SystemBalances(),
	}
}

// Restore replaces all balances with s. Journals are not produced.
func (l *CollateralLedger) Restore(s State) {
	l.tracker = NewBalanceTracker()
	l.realized = make(map[uuid.UUID]math.Usd)
	l.pending = nil

	for _, e := range s.Accounts {
		l.tracker.SetBalance(available(e.UserID), e.Available)
		l.tracker.SetBalance(reserved(e.UserID), e.Reserved)
		l.tracker.SetBalance(locked(e.UserID), e.Locked)
		if !e.RealizedPnL.IsZero() {
			l.realized[e.UserID] = e.RealizedPnL
		}
	}
	l.tracker.SetBalance(l.settlement, s.System.Settlement)
	l.tracker.SetBalance(l.fees, s.System.Fees)
	l.tracker.SetBalance(l.badDebt, s.System.BadDebt)
	l.tracker.SetBalance(l.custody, s.System.Custody)
}

// Tracker exposes the underlying balances for invariant validation.
func (l *CollateralLedger) Tracker() *BalanceTracker {
	return l.tracker
}
