// Package upload implements the multipart upload scheduler and its
// S3-backed coordination service.
//
// This file defines sentinel errors and the classification wrapper for
// transfer failures. Classification decides retryability: network-class
// failures are retried by the scheduler's backoff policy, credential-class
// failures are permanent.
package upload

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for transfer failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrTransferNetwork indicates a network-level failure (connection
	// refused, DNS, reset). Retryable.
	ErrTransferNetwork = errors.New("network error")

	// ErrTransferTimeout indicates the transfer timed out. Retryable.
	ErrTransferTimeout = errors.New("transfer timed out")

	// ErrTransferThrottled indicates rate limiting (429, SlowDown). Retryable.
	ErrTransferThrottled = errors.New("rate limited")

	// ErrTransferAuth indicates authentication failure (missing or expired
	// credentials). Not retryable.
	ErrTransferAuth = errors.New("authentication failed")

	// ErrTransferDenied indicates authorization failure (valid credentials,
	// no permission). Not retryable.
	ErrTransferDenied = errors.New("access denied")
)

// TransferError wraps an underlying transfer error with classification.
// The original error stays in the chain for errors.As inspection.
type TransferError struct {
	// Kind is the sentinel for classification.
	Kind error
	// Op is the operation that failed ("part_target", "transfer", "complete").
	Op string
	// PartNumber is the part involved, zero when not part-scoped.
	PartNumber int32
	// Err is the underlying error.
	Err error
}

func (e *TransferError) Error() string {
	if e.PartNumber > 0 {
		return fmt.Sprintf("%s part %d: %v: %v", e.Op, e.PartNumber, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *TransferError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Retryable reports whether the failure class is worth retrying.
func (e *TransferError) Retryable() bool {
	return !errors.Is(e.Kind, ErrTransferAuth) && !errors.Is(e.Kind, ErrTransferDenied)
}

// classifyTransfer wraps err with its failure class.
// Returns nil if err is nil.
func classifyTransfer(err error, op string, partNumber int32) error {
	if err == nil {
		return nil
	}
	return &TransferError{
		Kind:       classifyKind(err),
		Op:         op,
		PartNumber: partNumber,
		Err:        err,
	}
}

// classifyKind determines the sentinel for the given error.
// Typed timeout errors are checked first, then message patterns.
func classifyKind(err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTransferTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTransferTimeout
	case containsAny(msg, "slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"):
		return ErrTransferThrottled
	case containsAny(msg, "nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"):
		return ErrTransferAuth
	case containsAny(msg, "accessdenied", "forbidden", "403"):
		return ErrTransferDenied
	default:
		return ErrTransferNetwork
	}
}

// containsAny checks if s contains any of the lowercase substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
