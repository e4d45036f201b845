// Package vad turns per-chunk speech decisions into voice command
// boundaries and exposes that logic as a pipeline component.
package vad

import (
	"fmt"
	"time"
)

// SegmenterConfig holds the full budgets a Segmenter is reset to.
type SegmenterConfig struct {
	// Speech is how much speech must be seen before a command starts.
	Speech time.Duration
	// Silence is how much silence inside a command ends it.
	Silence time.Duration
	// Timeout caps the whole attempt, speech or not.
	Timeout time.Duration
	// Reset is the debounce: how long the opposite class must persist
	// before the speech or silence budget is refilled.
	Reset time.Duration
}

// DefaultSegmenterConfig matches the usual wake-then-command timing.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Speech:  300 * time.Millisecond,
		Silence: 500 * time.Millisecond,
		Timeout: 15 * time.Second,
		Reset:   time.Second,
	}
}

func (c SegmenterConfig) Validate() error {
	if c.Speech <= 0 || c.Silence <= 0 || c.Timeout <= 0 || c.Reset <= 0 {
		return fmt.Errorf("segmenter budgets must be positive (speech=%s silence=%s timeout=%s reset=%s)",
			c.Speech, c.Silence, c.Timeout, c.Reset)
	}
	return nil
}

// Segmenter is a hysteresis state machine over speech/non-speech chunks.
// It is not safe for concurrent use; each utterance stream owns one.
type Segmenter struct {
	cfg SegmenterConfig

	speechLeft  time.Duration
	silenceLeft time.Duration
	timeoutLeft time.Duration
	resetLeft   time.Duration
	inCommand   bool

	started        bool
	stopped        bool
	timedOut       bool
	startTimestamp *int64
	stopTimestamp  *int64
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	s := &Segmenter{cfg: cfg}
	s.Reset()
	return s
}

// Reset restores every budget and clears all flags and timestamps. It must
// be called before reusing the segmenter for a new utterance.
func (s *Segmenter) Reset() {
	s.speechLeft = s.cfg.Speech
	s.silenceLeft = s.cfg.Silence
	s.timeoutLeft = s.cfg.Timeout
	s.resetLeft = s.cfg.Reset
	s.inCommand = false
	s.started = false
	s.stopped = false
	s.timedOut = false
	s.startTimestamp = nil
	s.stopTimestamp = nil
}

// Process feeds one chunk decision. timestamp is the chunk's stream time in
// milliseconds.
func (s *Segmenter) Process(isSpeech bool, chunk time.Duration, timestamp int64) {
	if s.stopped {
		return
	}

	s.timeoutLeft -= chunk
	if s.timeoutLeft <= 0 {
		s.stopped = true
		s.timedOut = true
		s.stopTimestamp = &timestamp
		return
	}

	if !s.inCommand {
		if isSpeech {
			s.resetLeft = s.cfg.Reset
			if s.startTimestamp == nil {
				s.startTimestamp = &timestamp
			}
			s.speechLeft -= chunk
			if s.speechLeft <= 0 {
				s.inCommand = true
				s.started = true
			}
			return
		}

		s.resetLeft -= chunk
		if s.resetLeft <= 0 {
			s.speechLeft = s.cfg.Speech
			s.startTimestamp = nil
		}
		return
	}

	if !isSpeech {
		s.resetLeft = s.cfg.Reset
		s.silenceLeft -= chunk
		if s.silenceLeft <= 0 {
			s.stopped = true
			s.stopTimestamp = &timestamp
		}
		return
	}

	s.resetLeft -= chunk
	if s.resetLeft <= 0 {
		s.silenceLeft = s.cfg.Silence
	}
}

// Started reports whether a voice command has been confirmed.
func (s *Segmenter) Started() bool { return s.started }

// Stopped reports whether the command ended, by silence or timeout.
func (s *Segmenter) Stopped() bool { return s.stopped }

// TimedOut reports whether the stop was forced by the timeout budget.
func (s *Segmenter) TimedOut() bool { return s.timedOut }

// InCommand reports whether speech has been confirmed and not yet ended.
func (s *Segmenter) InCommand() bool { return s.inCommand && !s.stopped }

// StartTimestamp is the timestamp of the first speech chunk of the
// confirmed run, not the chunk that completed confirmation.
func (s *Segmenter) StartTimestamp() (int64, bool) {
	if !s.started || s.startTimestamp == nil {
		return 0, false
	}
	return *s.startTimestamp, true
}

// StopTimestamp is the timestamp of the chunk that ended the command.
func (s *Segmenter) StopTimestamp() (int64, bool) {
	if s.stopTimestamp == nil {
		return 0, false
	}
	return *s.stopTimestamp, true
}
