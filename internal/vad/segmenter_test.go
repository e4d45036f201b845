package vad

import (
	"testing"
	"time"
)

const chunk = 20 * time.Millisecond

type feeder struct {
	s  *Segmenter
	ts int64
}

func (f *feeder) feed(isSpeech bool, n int) {
	for i := 0; i < n; i++ {
		f.s.Process(isSpeech, chunk, f.ts)
		f.ts += chunk.Milliseconds()
	}
}

func testConfig() SegmenterConfig {
	return SegmenterConfig{
		Speech:  300 * time.Millisecond,
		Silence: 500 * time.Millisecond,
		Timeout: 15 * time.Second,
		Reset:   time.Second,
	}
}

func TestSegmenterStartTimestampIsFirstSpeech(t *testing.T) {
	f := &feeder{s: NewSegmenter(testConfig()), ts: 1000}
	f.feed(false, 5)
	firstSpeech := f.ts

	f.feed(true, 14)
	if f.s.Started() {
		t.Fatalf("Started() = true after 280ms of speech, want false")
	}
	f.feed(true, 1)
	if !f.s.Started() {
		t.Fatalf("Started() = false after 300ms of speech, want true")
	}
	got, ok := f.s.StartTimestamp()
	if !ok || got != firstSpeech {
		t.Fatalf("StartTimestamp() = %d, %v, want %d", got, ok, firstSpeech)
	}
	if f.s.Stopped() {
		t.Fatalf("Stopped() = true, want false")
	}
}

func TestSegmenterStopsAfterSilence(t *testing.T) {
	f := &feeder{s: NewSegmenter(testConfig())}
	f.feed(true, 20)
	f.feed(false, 24)
	if f.s.Stopped() {
		t.Fatalf("Stopped() = true after 480ms of silence, want false")
	}
	stopAt := f.ts
	f.feed(false, 1)
	if !f.s.Stopped() || f.s.TimedOut() {
		t.Fatalf("Stopped()=%v TimedOut()=%v, want true/false", f.s.Stopped(), f.s.TimedOut())
	}
	got, ok := f.s.StopTimestamp()
	if !ok || got != stopAt {
		t.Fatalf("StopTimestamp() = %d, %v, want %d", got, ok, stopAt)
	}
}

func TestSegmenterDebounceKeepsSilenceAccumulating(t *testing.T) {
	f := &feeder{s: NewSegmenter(testConfig())}
	f.feed(true, 15)
	if !f.s.Started() {
		t.Fatalf("Started() = false, want true")
	}

	f.feed(false, 10) // 200ms
	f.feed(true, 1)   // isolated blip, shorter than the reset budget
	f.feed(false, 14) // 480ms of silence in total
	if f.s.Stopped() {
		t.Fatalf("Stopped() = true after 480ms of silence, want false")
	}
	f.feed(false, 1)
	if !f.s.Stopped() {
		t.Fatalf("Stopped() = false after 500ms of interrupted silence, want true")
	}
}

func TestSegmenterSustainedSpeechRefillsSilence(t *testing.T) {
	cfg := testConfig()
	cfg.Reset = 100 * time.Millisecond
	f := &feeder{s: NewSegmenter(cfg)}
	f.feed(true, 15)
	f.feed(false, 20) // 400ms
	f.feed(true, 5)   // 100ms exhausts the reset budget
	f.feed(false, 24)
	if f.s.Stopped() {
		t.Fatalf("Stopped() = true, silence budget should have been refilled")
	}
	f.feed(false, 1)
	if !f.s.Stopped() {
		t.Fatalf("Stopped() = false after a full silence budget, want true")
	}
}

func TestSegmenterSilenceBeforeCommandResetsSpeech(t *testing.T) {
	f := &feeder{s: NewSegmenter(testConfig())}
	f.feed(true, 10)
	f.feed(false, 50) // exhausts the 1s reset budget
	secondStart := f.ts
	f.feed(true, 14)
	if f.s.Started() {
		t.Fatalf("Started() = true, speech budget should have been refilled")
	}
	f.feed(true, 1)
	got, ok := f.s.StartTimestamp()
	if !ok || got != secondStart {
		t.Fatalf("StartTimestamp() = %d, %v, want %d", got, ok, secondStart)
	}
}

func TestSegmenterShortSilenceKeepsProvisionalStart(t *testing.T) {
	f := &feeder{s: NewSegmenter(testConfig())}
	firstStart := f.ts
	f.feed(true, 10)
	f.feed(false, 10) // 200ms, well under the reset budget
	f.feed(true, 5)
	if !f.s.Started() {
		t.Fatalf("Started() = false, want true")
	}
	got, _ := f.s.StartTimestamp()
	if got != firstStart {
		t.Fatalf("StartTimestamp() = %d, want %d", got, firstStart)
	}
}

func TestSegmenterTimeoutTakesPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		isSpeech bool
		timeout  time.Duration
		chunks   int
	}{
		{name: "before command", isSpeech: false, timeout: 200 * time.Millisecond, chunks: 10},
		{name: "in command", isSpeech: true, timeout: 400 * time.Millisecond, chunks: 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Timeout = tc.timeout
			f := &feeder{s: NewSegmenter(cfg)}
			f.feed(tc.isSpeech, tc.chunks-1)
			if f.s.Stopped() {
				t.Fatalf("Stopped() = true before the timeout budget ran out")
			}
			stopAt := f.ts
			f.feed(tc.isSpeech, 1)
			if !f.s.Stopped() || !f.s.TimedOut() {
				t.Fatalf("Stopped()=%v TimedOut()=%v, want true/true", f.s.Stopped(), f.s.TimedOut())
			}
			if got, _ := f.s.StopTimestamp(); got != stopAt {
				t.Fatalf("StopTimestamp() = %d, want %d", got, stopAt)
			}
		})
	}
}

func TestSegmenterIgnoresInputUntilReset(t *testing.T) {
	f := &feeder{s: NewSegmenter(testConfig())}
	f.feed(true, 15)
	f.feed(false, 25)
	stop, _ := f.s.StopTimestamp()

	f.feed(true, 30)
	if got, _ := f.s.StopTimestamp(); got != stop {
		t.Fatalf("StopTimestamp() changed to %d after stop, want %d", got, stop)
	}

	f.s.Reset()
	if f.s.Started() || f.s.Stopped() || f.s.TimedOut() {
		t.Fatalf("Reset() left flags set: started=%v stopped=%v timeout=%v", f.s.Started(), f.s.Stopped(), f.s.TimedOut())
	}
	if _, ok := f.s.StartTimestamp(); ok {
		t.Fatalf("StartTimestamp() still set after Reset()")
	}
	if _, ok := f.s.StopTimestamp(); ok {
		t.Fatalf("StopTimestamp() still set after Reset()")
	}
}

func TestSegmenterConfigValidate(t *testing.T) {
	if err := DefaultSegmenterConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	cfg := DefaultSegmenterConfig()
	cfg.Silence = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() error = nil, want error for zero silence")
	}
}
