//nolint:revive // types is a common Go package naming convention
package types

import "fmt"

// ErrorCode classifies pipeline errors into the fixed taxonomy.
type ErrorCode string

const (
	// ErrValidation indicates malformed input or an out-of-sequence chunk.
	// Always a programmer/caller error, never retryable.
	ErrValidation ErrorCode = "validation_error"
	// ErrIsolation indicates isolation activation or verification failure.
	ErrIsolation ErrorCode = "isolation_error"
	// ErrTimeout indicates a page load or secure channel timeout.
	ErrTimeout ErrorCode = "timeout_error"
	// ErrNetwork indicates an upload transfer failure.
	ErrNetwork ErrorCode = "network_error"
	// ErrSignature indicates the authorization signature was rejected.
	ErrSignature ErrorCode = "signature_error"
	// ErrAborted indicates user or caller cancellation.
	ErrAborted ErrorCode = "aborted"
	// ErrUnknown is the catch-all for unclassified failures.
	ErrUnknown ErrorCode = "unknown_error"
)

// PipelineError is the single tagged error variant used throughout the core.
// Legacy string-or-structured error values are normalized into this shape at
// every boundary so callers can branch on Code and Recoverable alone.
type PipelineError struct {
	// Code is the taxonomy classification.
	Code ErrorCode `json:"code"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Phase is the pipeline phase during which the error surfaced.
	// Empty when the error predates pipeline phase tracking.
	Phase Phase `json:"phase,omitempty"`
	// Recoverable is true when the caller may retry the failed operation.
	Recoverable bool `json:"recoverable"`
	// Details carries optional structured context for audit logs.
	Details map[string]any `json:"details,omitempty"`
	// Err is the underlying error, if any. Not serialized.
	Err error `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a non-recoverable pipeline error.
func NewPipelineError(code ErrorCode, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// WrapPipelineError creates a pipeline error wrapping an underlying cause.
func WrapPipelineError(code ErrorCode, message string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: err}
}

// WithPhase returns a copy of the error stamped with the given phase.
func (e *PipelineError) WithPhase(phase Phase) *PipelineError {
	clone := *e
	clone.Phase = phase
	return &clone
}

// AsRecoverable returns a copy of the error marked recoverable.
func (e *PipelineError) AsRecoverable() *PipelineError {
	clone := *e
	clone.Recoverable = true
	return &clone
}
