package state

import (
	"fmt"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// ActionType defines the type of position action.
type ActionType int32

const (
	ActionTypeLiquidation ActionType = iota
	ActionTypeADL                    // Auto-Deleverage
)

func (at ActionType) String() string {
	switch at {
	case ActionTypeLiquidation:
		return "Liquidation"
	case ActionTypeADL:
		return "ADL"
	default:
		return "Unknown"
	}
}

// ActionState represents the state of a position action.
// Triggered → Executing → Completed | Deficit → Escalated, or Failed.
type ActionState int32

const (
	ActionStateTriggered ActionState = iota // Condition detected, closing order pending
	ActionStateExecuting                    // Fills received
	ActionStateCompleted                    // Fully covered by the trader's collateral
	ActionStateDeficit                      // Closed with a gap loss
	ActionStateEscalated                    // Gap handed to ADL
	ActionStateFailed                       // Closing order found no liquidity
)

func (as ActionState) String() string {
	switch as {
	case ActionStateTriggered:
		return "Triggered"
	case ActionStateExecuting:
		return "Executing"
	case ActionStateCompleted:
		return "Completed"
	case ActionStateDeficit:
		return "Deficit"
	case ActionStateEscalated:
		return "Escalated"
	case ActionStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates action state transitions.
func (as ActionState) CanTransitionTo(next ActionState) bool {
	transitions := map[ActionState][]ActionState{
		ActionStateTriggered: {
			ActionStateExecuting,
			ActionStateFailed,
		},
		ActionStateExecuting: {
			ActionStateExecuting, // more fills
			ActionStateCompleted,
			ActionStateDeficit,
		},
		ActionStateDeficit: {
			ActionStateEscalated,
		},
	}

	allowed, ok := transitions[as]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// PositionAction tracks one liquidation or ADL action in memory. The audit
// trail lives in the emitted notifications, not here.
type PositionAction struct {
	ActionID      uuid.UUID
	ActionType    ActionType
	Owner         uuid.UUID
	PositionID    uuid.UUID
	State         ActionState
	TriggeredAt   int64 // epoch microseconds
	InitialSize   math.Amount
	FilledSize    math.Amount
	RemainingSize math.Amount
	Deficit       math.Usd
	ParentID      *uuid.UUID // set on an ADL action escalated from a liquidation
}

// IsTerminal returns true if the action is in a terminal state.
func (pa *PositionAction) IsTerminal() bool {
	return pa.State == ActionStateCompleted ||
		pa.State == ActionStateEscalated ||
		pa.State == ActionStateFailed
}

func (pa *PositionAction) transition(next ActionState) error {
	if !pa.State.CanTransitionTo(next) {
		return fmt.Errorf("action %s: invalid transition %s → %s", pa.ActionID, pa.State, next)
	}
	pa.State = next
	return nil
}

// PositionActionManager manages active position actions.
type PositionActionManager struct {
	actions map[uuid.UUID]*PositionAction
}

func NewPositionActionManager() *PositionActionManager {
	return &PositionActionManager{
		actions: make(map[uuid.UUID]*PositionAction),
	}
}

// Trigger opens a liquidation action for pos. At most one action per
// account is live at a time.
func (pam *PositionActionManager) Trigger(pos *Position, timestamp int64) (*PositionAction, error) {
	if pos.IsFlat() {
		return nil, fmt.Errorf("no position to liquidate")
	}
	if active := pam.GetActiveAction(pos.Owner); active != nil {
		return nil, fmt.Errorf("account %s already has active action %s", pos.Owner, active.ActionID)
	}
	size := pos.Size.Abs()
	action := &PositionAction{
		ActionID:      uuid.New(),
		ActionType:    ActionTypeLiquidation,
		Owner:         pos.Owner,
		PositionID:    pos.ID,
		State:         ActionStateTriggered,
		TriggeredAt:   timestamp,
		InitialSize:   size,
		RemainingSize: size,
	}
	pam.actions[action.ActionID] = action
	return action, nil
}

// ProcessFill handles a fill for an active action.
func (pam *PositionActionManager) ProcessFill(actionID uuid.UUID, fillQuantity math.Amount) error {
	action, ok := pam.actions[actionID]
	if !ok {
		return fmt.Errorf("unknown action_id: %s", actionID)
	}
	if action.IsTerminal() {
		return fmt.Errorf("action %s is in terminal state %s", actionID, action.State)
	}
	if fillQuantity.Cmp(action.RemainingSize) > 0 {
		return fmt.Errorf("action %s overfilled", actionID)
	}
	if err := action.transition(ActionStateExecuting); err != nil {
		return err
	}
	action.FilledSize = action.FilledSize.Add(fillQuantity)
	action.RemainingSize = action.RemainingSize.Sub(fillQuantity)
	return nil
}

// Complete closes an action. A positive deficit moves it to Deficit and then
// opens an ADL action for the gap, which is returned.
func (pam *PositionActionManager) Complete(actionID uuid.UUID, deficit math.Usd) (*PositionAction, error) {
	action, ok := pam.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown action_id: %s", actionID)
	}
	if deficit.Sign() <= 0 {
		return nil, action.transition(ActionStateCompleted)
	}
	if err := action.transition(ActionStateDeficit); err != nil {
		return nil, err
	}
	action.Deficit = deficit
	if err := action.transition(ActionStateEscalated); err != nil {
		return nil, err
	}
	adl := &PositionAction{
		ActionID:    uuid.New(),
		ActionType:  ActionTypeADL,
		Owner:       action.Owner,
		PositionID:  action.PositionID,
		State:       ActionStateExecuting,
		TriggeredAt: action.TriggeredAt,
		Deficit:     deficit,
		ParentID:    &action.ActionID,
	}
	pam.actions[adl.ActionID] = adl
	return adl, nil
}

// Fail marks a triggered action whose closing order found no liquidity.
func (pam *PositionActionManager) Fail(actionID uuid.UUID) error {
	action, ok := pam.actions[actionID]
	if !ok {
		return fmt.Errorf("unknown action_id: %s", actionID)
	}
	return action.transition(ActionStateFailed)
}

// Resolve ends an ADL action once socialization has run.
func (pam *PositionActionManager) Resolve(actionID uuid.UUID) {
	if action, ok := pam.actions[actionID]; ok {
		action.State = ActionStateCompleted
	}
}

// GetAction returns an action by id.
func (pam *PositionActionManager) GetAction(actionID uuid.UUID) *PositionAction {
	return pam.actions[actionID]
}

// GetActiveAction returns the live action for an account.
func (pam *PositionActionManager) GetActiveAction(owner uuid.UUID) *PositionAction {
	for _, action := range pam.actions {
		if action.Owner == owner && !action.IsTerminal() {
			return action
		}
	}
	return nil
}

// Len returns the number of tracked actions, terminal ones included.
func (pam *PositionActionManager) Len() int { return len(pam.actions) }

// CleanupTerminal removes terminal actions triggered before the timestamp.
func (pam *PositionActionManager) CleanupTerminal(before int64) int {
	removed := 0
	for id, action := range pam.actions {
		if action.IsTerminal() && action.TriggeredAt < before {
			delete(pam.actions, id)
			removed++
		}
	}
	return removed
}
