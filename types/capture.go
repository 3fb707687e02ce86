//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// CaptureMeta is the capture identity threaded through logs, custody
// stages, and storage keys for audit purposes.
type CaptureMeta struct {
	// EvidenceID is the canonical capture identifier. Must be globally unique.
	EvidenceID string
	// CorrelationID threads one capture's logs, stages, and requests together.
	CorrelationID string
	// Attempt is the attempt number. Starts at 1 for initial captures.
	Attempt int
	// ParentEvidenceID links retry captures to their predecessor.
	// Nil for initial captures.
	ParentEvidenceID *string
}

// Validate validates capture identity rules:
//   - evidence_id and correlation_id must be non-empty
//   - attempt >= 1
//   - attempt == 1 => parent_evidence_id must be nil (initial capture)
//   - attempt > 1 => parent_evidence_id must be present (retry capture)
func (m *CaptureMeta) Validate() error {
	if m.EvidenceID == "" {
		return errors.New("evidence_id must be non-empty")
	}
	if m.CorrelationID == "" {
		return errors.New("correlation_id must be non-empty")
	}
	if m.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", m.Attempt)
	}
	if m.Attempt == 1 && m.ParentEvidenceID != nil {
		return errors.New("initial capture (attempt=1) must not have parent_evidence_id")
	}
	if m.Attempt > 1 && m.ParentEvidenceID == nil {
		return errors.New("retry capture (attempt>1) requires parent_evidence_id")
	}
	return nil
}
