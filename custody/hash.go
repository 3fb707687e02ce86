package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/evidentia-io/evidentia/types"
)

// stageHash computes the hash for one stage: H(prevHash | payload) where
// payload is the canonical JSON encoding of the stage data. The separator
// prevents prefix-collision attacks between the hash and the payload.
// Stage 0 uses an empty previous hash.
func stageHash(prevHash string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode stage data: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainHashFromStages recomputes the chain hash over the stored per-stage
// hashes: H(stages[0].hash || ... || stages[4].hash). The original stage
// payloads are not needed. Fails unless exactly StageCount stages are
// present in index order.
func ChainHashFromStages(stages []types.StageResult) (string, error) {
	if len(stages) != types.StageCount {
		return "", fmt.Errorf("chain hash requires exactly %d stages, got %d", types.StageCount, len(stages))
	}
	h := sha256.New()
	for i, s := range stages {
		if s.Stage != i {
			return "", fmt.Errorf("stage %d out of order at position %d", s.Stage, i)
		}
		h.Write([]byte(s.Hash))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashBytes returns the hex SHA-256 digest of b.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
