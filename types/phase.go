//nolint:revive // types is a common Go package naming convention
package types

// Phase represents the pipeline lifecycle phase.
type Phase string

// Phase constants, in lifecycle order.
const (
	PhaseIdle           Phase = "idle"
	PhaseCapturing      Phase = "capturing"
	PhaseTimestamping   Phase = "timestamping"
	PhaseUploading      Phase = "uploading"
	PhaseAwaitingReview Phase = "awaiting_review"
	PhaseCertifying     Phase = "certifying"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseDiscarded      Phase = "discarded"
	PhaseCancelled      Phase = "cancelled"
)

// IsTerminal returns true if the phase ends the pipeline lifecycle.
// No transition may leave a terminal phase.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseDiscarded, PhaseCancelled:
		return true
	}
	return false
}

// phaseSuccessors defines the legal forward transitions.
// Cancellation (any non-terminal -> cancelled) and recoverable reverts
// are handled separately by the orchestrator.
var phaseSuccessors = map[Phase][]Phase{
	PhaseIdle:           {PhaseCapturing},
	PhaseCapturing:      {PhaseTimestamping, PhaseFailed},
	PhaseTimestamping:   {PhaseUploading, PhaseFailed},
	PhaseUploading:      {PhaseAwaitingReview, PhaseFailed},
	PhaseAwaitingReview: {PhaseCertifying, PhaseDiscarded},
	PhaseCertifying:     {PhaseCompleted, PhaseFailed},
}

// CanTransitionTo reports whether a forward transition from p to next is legal.
func (p Phase) CanTransitionTo(next Phase) bool {
	if next == PhaseCancelled {
		return !p.IsTerminal()
	}
	for _, s := range phaseSuccessors[p] {
		if s == next {
			return true
		}
	}
	return false
}
