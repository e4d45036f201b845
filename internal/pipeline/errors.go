package pipeline

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/reliability"
)

var (
	// ErrComponentFailed marks an iteration aborted by a component: it
	// exited, hung up, timed out or reported an error event.
	ErrComponentFailed = errors.New("component failed")
	// ErrReadTimeout is a read from a component that exceeded the read
	// timeout. The connection is torn down.
	ErrReadTimeout = errors.New("component read timed out")
)

// ComponentError describes a component failure. It matches
// ErrComponentFailed with errors.Is.
type ComponentError struct {
	Role config.Role
	// Code and Text come from an error event, when the component sent one.
	Code string
	Text string
	Err  error
}

func (e *ComponentError) Error() string {
	msg := fmt.Sprintf("%s component failed", e.Role)
	if e.Text != "" {
		msg += ": " + e.Text
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ComponentError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrComponentFailed}
	}
	return []error{ErrComponentFailed, e.Err}
}

// Retryable reports whether a fresh iteration may succeed. Crashes and
// timeouts are retryable; error events defer to their code.
func (e *ComponentError) Retryable() bool {
	if e.Code == "" {
		return true
	}
	return reliability.IsRetryableMessageCode(e.Code)
}

func componentFailure(role config.Role, err error) error {
	return &ComponentError{Role: role, Err: err}
}
