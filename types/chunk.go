//nolint:revive // types is a common Go package naming convention
package types

// UploadStatus is the upload lifecycle state of a single chunk.
type UploadStatus string

// Upload status constants.
const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusFailed    UploadStatus = "failed"
)

// Chunk is one hashed, chain-linked media fragment.
// Owned exclusively by the integrity manager: Index equals the manager's
// chunk count at insertion time (strict sequential append, no gaps).
type Chunk struct {
	// Index is the zero-based position in the recording sequence.
	Index int `json:"index"`
	// SizeBytes is the raw fragment payload size.
	SizeBytes int64 `json:"size_bytes"`
	// Hash is the hex-encoded content hash of the payload.
	Hash string `json:"hash"`
	// PreviousHash links to the prior chunk's hash. Nil for index 0.
	PreviousHash *string `json:"previous_hash"`
	// TimestampMs is the hashing time in Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
	// UploadStatus tracks the chunk through the upload scheduler.
	UploadStatus UploadStatus `json:"upload_status"`
	// Attempts counts transfer attempts of the part carrying this chunk.
	Attempts int `json:"attempts"`
	// PartNumber is the 1-based multipart part that carried this chunk.
	// Zero until its part is flushed; parts may carry several chunks.
	PartNumber int `json:"part_number"`
	// ETag is the entity tag returned by storage, once uploaded.
	ETag *string `json:"etag,omitempty"`
}

// ManifestEntry is the outward-facing, payload-free record of one chunk.
// The chain is verifiable from manifest entries alone, without the
// original fragment data.
type ManifestEntry struct {
	Index        int     `json:"index"`
	Hash         string  `json:"hash"`
	PreviousHash *string `json:"previous_hash"`
	SizeBytes    int64   `json:"size_bytes"`
	TimestampMs  int64   `json:"timestamp_ms"`
}

// UploadPart records one completed scheduler flush.
// Part numbers are contiguous starting at 1 and map 1:1 to flush
// operations, not to raw chunk count.
type UploadPart struct {
	// PartNumber is the 1-based part index.
	PartNumber int32 `json:"part_number"`
	// ETag is the entity tag returned by the storage transfer.
	ETag string `json:"etag"`
	// SizeBytes is the part payload size.
	SizeBytes int64 `json:"size_bytes"`
}
