package ledger

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types: total collateral = available + reserved + locked
	SubTypeAvailable AccountSubType = iota
	SubTypeReserved
	SubTypeLocked

	// System sub-types (one set per market)
	SubTypeSystemSettlement
	SubTypeSystemFees
	SubTypeSystemBadDebt

	// External sub-types
	SubTypeExternalCustody
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, market name for system accounts
	SubType  AccountSubType
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
	}
}

// NewSystemAccountKey creates a key for a market's system accounts.
// Market names longer than 16 bytes are truncated in the key.
func NewSystemAccountKey(marketID string, subType AccountSubType) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(marketID))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// UserID returns the owner of a user-scoped key.
func (k AccountKey) UserID() uuid.UUID {
	return uuid.UUID(k.EntityID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.UserID().String(), k.subTypeName())
	case AccountScopeSystem:
		name := string(bytes.TrimRight(k.EntityID[:], "\x00"))
		return fmt.Sprintf("system:%s:%s", name, k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeReserved:
		return "reserved"
	case SubTypeLocked:
		return "locked"
	case SubTypeSystemSettlement:
		return "settlement"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemBadDebt:
		return "bad_debt"
	case SubTypeExternalCustody:
		return "custody"
	default:
		return "unknown"
	}
}
