package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"PerpBook/internal/event"
	"PerpBook/internal/ledger"
	"PerpBook/internal/state"
)

// ChainHasher links each emitted envelope to its predecessor:
// hash[N] = SHA-256(hash[N-1] || envelope N).
type ChainHasher struct {
	prevHash [32]byte
}

// NewChainHasher starts the chain at the market's genesis hash
func NewChainHasher(marketID string) *ChainHasher {
	return &ChainHasher{prevHash: event.GenesisHash(marketID)}
}

// Link stamps env with the current tip and its own hash, then advances the
// tip.
func (h *ChainHasher) Link(env *event.Envelope) {
	env.PrevHash = h.prevHash
	env.Hash = event.ChainHash(h.prevHash, env)
	h.prevHash = env.Hash
}

// Tip returns current chain tip
func (h *ChainHasher) Tip() [32]byte {
	return h.prevHash
}

// SetTip restores the chain tip from a snapshot
func (h *ChainHasher) SetTip(tip [32]byte) {
	h.prevHash = tip
}

// DigestState hashes the canonical form of positions and balances. Positions
// and entries must already be in owner order, as PositionManager and
// CollateralLedger return them.
func DigestState(positions []*state.Position, entries []ledger.Entry, system ledger.SystemBalances) [32]byte {
	h := sha256.New()
	var n [8]byte

	binary.LittleEndian.PutUint64(n[:], uint64(len(positions)))
	h.Write(n[:])
	for _, p := range positions {
		h.Write(p.CanonicalBytes())
	}

	binary.LittleEndian.PutUint64(n[:], uint64(len(entries)))
	h.Write(n[:])
	for _, e := range entries {
		h.Write(e.UserID[:])
		for _, v := range []string{e.Available.String(), e.Reserved.String(), e.Locked.String(), e.RealizedPnL.String()} {
			h.Write([]byte{byte(len(v))})
			h.Write([]byte(v))
		}
	}

	for _, v := range []string{system.Settlement.String(), system.Fees.String(), system.BadDebt.String(), system.Custody.String()} {
		h.Write([]byte{byte(len(v))})
		h.Write([]byte(v))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func encodeHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

func decodeHash(s string) ([32]byte, error) {
	h, err := event.DecodeHash(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	return h, nil
}
