// Package integrity maintains the hash-linked chunk chain and its Merkle
// commitment for one recording session.
//
// The manager is the sole owner of the chunk list. Callers submit fragments
// strictly in index order; out-of-sequence submission is a caller error and
// fails immediately, never retried. The chain is verifiable later from the
// stored hashes alone, without the original payloads.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/evidentia-io/evidentia/types"
)

// ChunkIntegrityManager hashes incoming fragments, links each to the
// previous fragment's hash, and computes a Merkle root over the sequence.
// Safe for concurrent access, though the producer contract is one fragment
// at a time from a single producer.
type ChunkIntegrityManager struct {
	mu     sync.Mutex
	chunks []*types.Chunk
	now    func() time.Time
}

// NewChunkIntegrityManager creates an empty manager.
func NewChunkIntegrityManager() *ChunkIntegrityManager {
	return &ChunkIntegrityManager{now: time.Now}
}

// ProcessChunk hashes data, links it to the previous chunk, appends it,
// and returns the new chunk.
//
// index must equal the current chunk count: strict sequential append, no
// gaps, no reordering. A violation returns a validation error.
func (m *ChunkIntegrityManager) ProcessChunk(data []byte, index int) (*types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index != len(m.chunks) {
		return nil, &types.PipelineError{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("out-of-sequence chunk: expected index %d, got %d", len(m.chunks), index),
		}
	}

	sum := sha256.Sum256(data)
	chunk := &types.Chunk{
		Index:        index,
		SizeBytes:    int64(len(data)),
		Hash:         hex.EncodeToString(sum[:]),
		TimestampMs:  m.now().UnixMilli(),
		UploadStatus: types.UploadStatusPending,
	}
	if index > 0 {
		prev := m.chunks[index-1].Hash
		chunk.PreviousHash = &prev
	}

	m.chunks = append(m.chunks, chunk)
	return chunk, nil
}

// VerifyChainIntegrity walks the stored list and returns false on the first
// broken link: a non-nil previous hash at index 0, a missing link, or a
// link that does not match the prior chunk's hash. An empty list is intact.
func (m *ChunkIntegrityManager) VerifyChainIntegrity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return VerifyChain(m.manifestLocked())
}

// MarkUploading records that a chunk entered a part transfer. Unknown
// indexes are ignored.
func (m *ChunkIntegrityManager) MarkUploading(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.chunks) {
		return
	}
	m.chunks[index].UploadStatus = types.UploadStatusUploading
}

// MarkUploaded records the multipart part that carried the given chunks.
func (m *ChunkIntegrityManager) MarkUploaded(indexes []int, partNumber int32, etag string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range indexes {
		if i < 0 || i >= len(m.chunks) {
			continue
		}
		c := m.chunks[i]
		c.UploadStatus = types.UploadStatusUploaded
		c.PartNumber = int(partNumber)
		c.Attempts = attempts
		tag := etag
		c.ETag = &tag
	}
}

// MarkFailed records chunks whose part transfer exhausted its retry
// schedule.
func (m *ChunkIntegrityManager) MarkFailed(indexes []int, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range indexes {
		if i < 0 || i >= len(m.chunks) {
			continue
		}
		m.chunks[i].UploadStatus = types.UploadStatusFailed
		m.chunks[i].Attempts = attempts
	}
}

// Chunk returns a copy of the stored chunk at index.
func (m *ChunkIntegrityManager) Chunk(index int) (types.Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.chunks) {
		return types.Chunk{}, false
	}
	return *m.chunks[index], true
}

// Count returns the number of stored chunks.
func (m *ChunkIntegrityManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// TotalBytes returns the sum of all stored chunk sizes.
func (m *ChunkIntegrityManager) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, c := range m.chunks {
		total += c.SizeBytes
	}
	return total
}

// ManifestEntries returns the payload-free manifest of the stored chain.
func (m *ChunkIntegrityManager) ManifestEntries() []types.ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifestLocked()
}

func (m *ChunkIntegrityManager) manifestLocked() []types.ManifestEntry {
	entries := make([]types.ManifestEntry, len(m.chunks))
	for i, c := range m.chunks {
		entries[i] = types.ManifestEntry{
			Index:        c.Index,
			Hash:         c.Hash,
			PreviousHash: c.PreviousHash,
			SizeBytes:    c.SizeBytes,
			TimestampMs:  c.TimestampMs,
		}
	}
	return entries
}

// Clear resets the manager in place for a new recording session.
func (m *ChunkIntegrityManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = nil
}

// VerifyChain validates the hash links of a stored chunk manifest.
// Usable offline against a manifest without the original payload data.
func VerifyChain(entries []types.ManifestEntry) bool {
	for i, e := range entries {
		if i == 0 {
			if e.PreviousHash != nil {
				return false
			}
			continue
		}
		if e.PreviousHash == nil || *e.PreviousHash != entries[i-1].Hash {
			return false
		}
	}
	return true
}
