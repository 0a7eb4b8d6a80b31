package event

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const GenesisHashSeed = "PerpBook:genesis:v1"

// GenesisHash is the PrevHash of a market's first envelope.
func GenesisHash(marketID string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + marketID))
}

// ChainHash computes hash[N] = SHA-256(prev_hash || sequence || type ||
// timestamp || market || ref || payload).
func ChainHash(prev [32]byte, e *Envelope) [32]byte {
	h := sha256.New()
	h.Write(prev[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e.Sequence))
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], uint32(e.EventType))
	h.Write(buf[:4])
	binary.LittleEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])

	writeLenPrefixed(h, []byte(e.MarketID))
	writeLenPrefixed(h, []byte(e.Ref))
	writeLenPrefixed(h, e.Payload)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Checked      int    `json:"checked"`
	Valid        bool   `json:"valid"`
	FirstInvalid int64  `json:"first_invalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Tip          string `json:"tip"`
}

// Verify walks envelopes in sequence order starting from prev and checks
// that each links to its predecessor and that its hash matches its content.
func Verify(prev [32]byte, envelopes []*Envelope) VerifyResult {
	res := VerifyResult{Valid: true}
	var lastSeq int64 = -1
	for _, e := range envelopes {
		res.Checked++
		switch {
		case lastSeq >= 0 && e.Sequence != lastSeq+1:
			res.Valid, res.FirstInvalid = false, e.Sequence
			res.Reason = fmt.Sprintf("sequence gap: %d after %d", e.Sequence, lastSeq)
		case e.PrevHash != prev:
			res.Valid, res.FirstInvalid = false, e.Sequence
			res.Reason = "prev_hash does not link to predecessor"
		case ChainHash(prev, e) != e.Hash:
			res.Valid, res.FirstInvalid = false, e.Sequence
			res.Reason = "hash does not match content"
		}
		if !res.Valid {
			break
		}
		prev = e.Hash
		lastSeq = e.Sequence
	}
	res.Tip = fmt.Sprintf("%x", prev)
	return res
}
