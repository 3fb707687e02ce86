package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNoChunks is returned when a Merkle root is requested over an empty chain.
var ErrNoChunks = errors.New("cannot compute merkle root: no chunks recorded")

// CalculateMerkleRoot builds a Merkle tree over the ordered chunk hashes and
// returns its root. Deterministic: the same hash sequence always yields the
// same root. Fails if no chunks exist.
func (m *ChunkIntegrityManager) CalculateMerkleRoot() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chunks) == 0 {
		return "", ErrNoChunks
	}
	hashes := make([]string, len(m.chunks))
	for i, c := range m.chunks {
		hashes[i] = c.Hash
	}
	return MerkleRoot(hashes), nil
}

// MerkleRoot computes the Merkle root over an ordered list of hex-encoded
// hashes. A pure function of the list: independent recomputation over an
// unchanged list yields an identical value.
//
// Levels with an odd width duplicate the last node, the convention used by
// most chain implementations. A single leaf is its own root.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}

	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}
