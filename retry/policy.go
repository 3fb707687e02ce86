// Package retry provides the shared backoff-with-jitter policy used by
// every retryable call site in the pipeline.
//
// One policy object, parameterized by attempt ceiling, base delay,
// multiplier, and cap, replaces per-call-site retry loops. Delays are
// timer-driven so the caller stays responsive to cancellation between
// attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultJitter is the randomization applied to each delay (±30%).
const DefaultJitter = 0.3

// Policy describes a capped exponential backoff schedule.
// The zero value is not usable; start from Default().
type Policy struct {
	// MaxAttempts is the total attempt ceiling (first try included).
	MaxAttempts uint
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// Jitter is the randomization factor applied to each delay.
	Jitter float64
}

// Default returns the pipeline-wide default schedule:
// 4 attempts, 500ms base, doubling, capped at 8s, ±30% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    8 * time.Second,
		Jitter:      DefaultJitter,
	}
}

// Validate checks the schedule parameters.
func (p Policy) Validate() error {
	if p.MaxAttempts == 0 {
		return errInvalid("max attempts must be >= 1")
	}
	if p.BaseDelay <= 0 {
		return errInvalid("base delay must be positive")
	}
	if p.Multiplier < 1 {
		return errInvalid("multiplier must be >= 1")
	}
	if p.MaxDelay < p.BaseDelay {
		return errInvalid("max delay must be >= base delay")
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return "retry policy: " + string(e) }

// Notify observes each failed attempt and the delay before the next one.
type Notify func(err error, next time.Duration)

// Do runs op until it succeeds, returns a permanent error, the attempt
// ceiling is exhausted, or ctx is done. The last error is returned on
// exhaustion. notify may be nil.
func (p Policy) Do(ctx context.Context, op func() error, notify Notify) error {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts...)
	return err
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// backOff builds the underlying schedule.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	return b
}
