package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "LubaLedger:genesis:v1"

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash computes SHA-256(prev || sequence LE || digest).
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// StateHasher keeps the tip of the state hash chain.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ComputeHash extends the chain with one event and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.prevHash = ChainHash(h.prevHash, sequence, stateDigest)
	return h.prevHash
}

// SetPrevHash moves the tip; used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
