// Package adapter defines the downstream broadcast boundary.
//
// Adapters publish evidence lifecycle completion events to external
// systems. The pipeline owns adapter lifecycle; callers provide
// configuration only.
package adapter

import "context"

// EventType is the single event type published by the pipeline.
const EventType = "evidence_completed"

// EvidenceCompletedEvent is the payload published when a capture reaches
// a terminal phase.
type EvidenceCompletedEvent struct {
	EventType     string `json:"event_type"` // always "evidence_completed"
	EvidenceID    string `json:"evidence_id"`
	CorrelationID string `json:"correlation_id"`
	// Outcome is the terminal phase: completed, failed, discarded, cancelled.
	Outcome    string `json:"outcome"`
	PageURL    string `json:"page_url,omitempty"`
	MerkleRoot string `json:"merkle_root,omitempty"`
	ChainHash  string `json:"chain_hash,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
	// Timestamp is the event emission time, ISO 8601.
	Timestamp  string `json:"timestamp"`
	ChunkCount int64  `json:"chunk_count"`
	TotalBytes int64  `json:"total_bytes"`
	DurationMs int64  `json:"duration_ms"`
}

// Adapter publishes evidence completion events to a downstream system.
// Implementations must be safe for single-use per capture.
type Adapter interface {
	// Publish sends an evidence completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *EvidenceCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
