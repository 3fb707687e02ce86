//nolint:revive // types is a common Go package naming convention
package types

// EvidenceManifest is the durable, payload-free record of one capture.
// Everything needed to re-verify the custody chain, the chunk chain, and
// the Merkle commitment independently is in this document; the original
// media bytes are not required.
type EvidenceManifest struct {
	// ManifestVersion is the manifest schema version.
	ManifestVersion string `json:"manifest_version"`
	// EvidenceID identifies the capture.
	EvidenceID string `json:"evidence_id"`
	// CorrelationID threads the capture's audit trail together.
	CorrelationID string `json:"correlation_id"`
	// PageURL is the captured page URL.
	PageURL string `json:"page_url"`
	// CreatedAtMs is the manifest creation time in Unix milliseconds.
	CreatedAtMs int64 `json:"created_at_ms"`
	// MediaHash is the recorder-reported hash of the full media stream.
	MediaHash string `json:"media_hash,omitempty"`
	// MerkleRoot is the root over the ordered chunk hashes.
	MerkleRoot string `json:"merkle_root"`
	// Chunks is the ordered chunk manifest.
	Chunks []ManifestEntry `json:"chunks"`
	// Custody is the chain-of-custody result attached as provenance.
	Custody *ChainOfCustodyResult `json:"custody,omitempty"`
	// Timestamp is the trust timestamp covering the Merkle root.
	Timestamp *TimestampResult `json:"timestamp,omitempty"`
	// Storage is the completed upload, when the pipeline reached it.
	Storage *UploadResult `json:"storage,omitempty"`
}
