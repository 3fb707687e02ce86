//nolint:revive // types is a common Go package naming convention
package types

// TimestampSource indicates where a trust timestamp came from.
type TimestampSource string

const (
	// TimestampAuthority indicates the external timestamping authority.
	TimestampAuthority TimestampSource = "authority"
	// TimestampLocalFallback indicates the local clock was used because
	// the authority was unreachable. Carries a warning.
	TimestampLocalFallback TimestampSource = "local-fallback"
)

// TSAInfo describes the authority response attached to a trust timestamp.
type TSAInfo struct {
	// Authority is the issuing authority identifier.
	Authority string `json:"authority"`
	// Token is the opaque timestamp token.
	Token string `json:"token"`
	// SerialNumber is the authority-assigned serial, if any.
	SerialNumber string `json:"serial_number,omitempty"`
}

// TimestampResult is the trust timestamp applied to a Merkle root.
// A timestamp always exists once the timestamping phase completes; only
// its source degrades on authority failure.
type TimestampResult struct {
	// Type is the timestamp source.
	Type TimestampSource `json:"type"`
	// MerkleRoot is the root the timestamp covers.
	MerkleRoot string `json:"merkle_root"`
	// TimestampMs is the attested time in Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
	// TSA is the authority response. Nil for local fallback.
	TSA *TSAInfo `json:"tsa,omitempty"`
	// Warning is set when the timestamp source degraded.
	Warning *string `json:"warning,omitempty"`
}

// UploadResult is the outcome of a completed multipart upload.
type UploadResult struct {
	// URL is the final object URL returned by the completion call.
	URL string `json:"url"`
	// StorageKey is the destination key within the bucket.
	StorageKey string `json:"storage_key"`
	// Parts is the ordered list of uploaded parts.
	Parts []UploadPart `json:"parts"`
	// TotalBytes is the sum of all part sizes.
	TotalBytes int64 `json:"total_bytes"`
}

// PipelineState is the single mutable record the orchestrator owns for one
// capture. Reset when a new capture starts or the previous one reaches a
// terminal phase. Snapshots of this struct are exposed outward; the
// orchestrator never hands out its internal copy.
type PipelineState struct {
	// Phase is the current lifecycle phase.
	Phase Phase `json:"phase"`
	// ProgressPercent is 0..100, monotonically non-decreasing within a phase.
	ProgressPercent int `json:"progress_percent"`
	// EvidenceID identifies the capture.
	EvidenceID string `json:"evidence_id"`
	// MerkleRoot is set once capture completes.
	MerkleRoot *string `json:"merkle_root,omitempty"`
	// TimestampResult is set once the timestamping phase completes.
	TimestampResult *TimestampResult `json:"timestamp_result,omitempty"`
	// UploadResult is set once the uploading phase completes.
	UploadResult *UploadResult `json:"upload_result,omitempty"`
	// LastError is the most recent surfaced error, if any.
	LastError *PipelineError `json:"last_error,omitempty"`
}
