package persistence

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "OmniVault:genesis:v1"

// StateHasher chains a deterministic hash over the event log. Each event's
// hash commits to the previous hash, the sequence, and the payload, so a
// rewritten or reordered log is detectable from the chain tip alone.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with the genesis hash.
func NewStateHasher() *StateHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &StateHasher{
		prevHash: genesis,
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || payload)
func (h *StateHasher) ComputeHash(sequence int64, payload []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(h.prevHash[:])

	// Write sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	// Write payload
	hasher.Write(payload)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	// Update prev_hash for next iteration
	h.prevHash = hash

	return hash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// Restore resets the chain tip, used when resuming from a snapshot.
func (h *StateHasher) Restore(tip [32]byte) {
	h.prevHash = tip
}
