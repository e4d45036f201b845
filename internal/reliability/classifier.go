package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/voxpipe/internal/config"
)

// Class is how a loop should react to an iteration error.
type Class string

const (
	// ClassNone means there was no error.
	ClassNone Class = "none"
	// ClassCancelled is operator interruption; stop without retrying.
	ClassCancelled Class = "cancelled"
	// ClassFatal errors will fail the same way again; stop.
	ClassFatal Class = "fatal"
	// ClassRetryable errors come from misbehaving components; start a
	// fresh iteration after backoff.
	ClassRetryable Class = "retryable"
)

// Retryabler is implemented by errors that know whether a retry can help.
type Retryabler interface {
	Retryable() bool
}

// Classify maps an iteration error to a Class.
func Classify(err error) Class {
	var r Retryabler
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, config.ErrConfig):
		return ClassFatal
	case errors.As(err, &r) && !r.Retryable():
		return ClassFatal
	default:
		return ClassRetryable
	}
}

// IsRetryableMessageCode classifies error codes reported by components in
// error events.
func IsRetryableMessageCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "busy", "timeout", "internal", "":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
