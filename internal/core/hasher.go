package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the hash chain. Changing it invalidates every
// stored chain, so it is versioned.
const GenesisHashSeed = "HFLedger:genesis:v1"

// StateHasher maintains the running hash chain over applied events:
// state_hash[N] = SHA-256(prev_hash || sequence_le || state_digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash advances the chain by one event and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	copy(h.prevHash[:], hasher.Sum(nil))
	return h.prevHash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip during snapshot restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
