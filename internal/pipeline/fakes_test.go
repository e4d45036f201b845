package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/transport"
)

var testFormat = protocol.AudioFormat{Rate: 16000, Width: 2, Channels: 1}

// fakeComponent plays one role on its end of an in-memory pipe. It must
// return once reads or writes on s fail.
type fakeComponent func(s transport.Stream)

// fakeLauncher runs fake components in goroutines and tracks how many are
// still open.
type fakeLauncher struct {
	fakes map[config.Role]fakeComponent

	mu       sync.Mutex
	live     int
	launched []config.Role
}

func newFakeLauncher(fakes map[config.Role]fakeComponent) *fakeLauncher {
	return &fakeLauncher{fakes: fakes}
}

func (f *fakeLauncher) Launch(_ context.Context, role config.Role, _ *config.Component) (transport.Stream, error) {
	fn, ok := f.fakes[role]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", role)
	}
	ours, theirs := transport.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer theirs.Close()
		fn(theirs)
	}()

	f.mu.Lock()
	f.live++
	f.launched = append(f.launched, role)
	f.mu.Unlock()
	return &fakeStream{Stream: ours, done: done, onClose: func() {
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	}}, nil
}

func (f *fakeLauncher) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeLauncher) Launched(role config.Role) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.launched {
		if r == role {
			return true
		}
	}
	return false
}

type fakeStream struct {
	transport.Stream
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// Close hangs up and waits for the fake to return, like a process exit.
func (s *fakeStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
		s.onClose()
	})
	return err
}

func testComponent(name string) *config.Component {
	return &config.Component{Name: name, Command: name}
}

// pcmChunk is 20ms of 16kHz mono audio, loud when speech is true.
func pcmChunk(speech bool) []byte {
	buf := make([]byte, 640)
	if !speech {
		return buf
	}
	for i := 0; i < 320; i++ {
		v := int16(9000)
		if i%2 == 1 {
			v = -9000
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// micChunks builds a 20ms chunk sequence with timestamps starting at 0.
func micChunks(plan ...any) []protocol.AudioChunk {
	var out []protocol.AudioChunk
	for i := 0; i+1 < len(plan); i += 2 {
		speech := plan[i].(bool)
		for n := 0; n < plan[i+1].(int); n++ {
			out = append(out, protocol.AudioChunk{
				AudioFormat: testFormat,
				Audio:       pcmChunk(speech),
				Timestamp:   protocol.Int64(int64(len(out) * 20)),
			})
		}
	}
	return out
}

// fakeMic sends audio-start and chunks, then holds the stream open like a
// live device until the pipeline hangs up. release, when non-nil, gates
// the chunks after the first hold.
func fakeMic(chunks []protocol.AudioChunk, hold int, release <-chan struct{}) fakeComponent {
	return func(s transport.Stream) {
		if err := s.WriteEvent(protocol.AudioStart{AudioFormat: testFormat, Timestamp: protocol.Int64(0)}.Event()); err != nil {
			return
		}
		for i, c := range chunks {
			if release != nil && i == hold {
				<-release
			}
			if err := s.WriteEvent(c.Event()); err != nil {
				return
			}
		}
		drain(s)
	}
}

// fakeWake reports a detection after the n-th chunk.
func fakeWake(n int) fakeComponent {
	return func(s transport.Stream) {
		seen := 0
		for {
			evt, err := s.ReadEvent()
			if err != nil {
				return
			}
			if evt.Type != protocol.TypeAudioChunk {
				continue
			}
			seen++
			if seen == n {
				if err := s.WriteEvent(protocol.Detection{Name: "hey_voxpipe"}.Event()); err != nil {
					return
				}
			}
		}
	}
}

// recordingASR records the audio bracket it receives and answers with text.
type recordingASR struct {
	text string

	mu     sync.Mutex
	events []protocol.Event
}

func (a *recordingASR) run(s transport.Stream) {
	for {
		evt, err := s.ReadEvent()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.events = append(a.events, evt)
		a.mu.Unlock()
		if evt.Type == protocol.TypeAudioStop {
			if err := s.WriteEvent(protocol.Transcript{Text: a.text}.Event()); err != nil {
				return
			}
		}
	}
}

func (a *recordingASR) Events() []protocol.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Event(nil), a.events...)
}

// replyTo answers every event of type want with reply.
func replyTo(want protocol.Type, reply protocol.Message) fakeComponent {
	return func(s transport.Stream) {
		for {
			evt, err := s.ReadEvent()
			if err != nil {
				return
			}
			if evt.Type == want {
				if err := s.WriteEvent(reply.Event()); err != nil {
					return
				}
			}
		}
	}
}

// fakeTTS answers synthesize with audio-start, n chunks and audio-stop.
func fakeTTS(n int) fakeComponent {
	return func(s transport.Stream) {
		for {
			evt, err := s.ReadEvent()
			if err != nil {
				return
			}
			if evt.Type != protocol.TypeSynthesize {
				continue
			}
			out := []protocol.Event{protocol.AudioStart{AudioFormat: testFormat}.Event()}
			for i := 0; i < n; i++ {
				out = append(out, protocol.AudioChunk{AudioFormat: testFormat, Audio: pcmChunk(true), Timestamp: protocol.Int64(int64(i * 20))}.Event())
			}
			out = append(out, protocol.AudioStop{}.Event())
			for _, e := range out {
				if err := s.WriteEvent(e); err != nil {
					return
				}
			}
		}
	}
}

// recordingSnd counts played chunks and confirms on audio-stop.
type recordingSnd struct {
	mu     sync.Mutex
	chunks []int64
}

func (p *recordingSnd) run(s transport.Stream) {
	for {
		evt, err := s.ReadEvent()
		if err != nil {
			return
		}
		switch evt.Type {
		case protocol.TypeAudioChunk:
			p.mu.Lock()
			if ts := protocol.Int64Field(evt.Data, "timestamp"); ts != nil {
				p.chunks = append(p.chunks, *ts)
			}
			p.mu.Unlock()
		case protocol.TypeAudioStop:
			if err := s.WriteEvent(protocol.Played{}.Event()); err != nil {
				return
			}
		}
	}
}

func (p *recordingSnd) Chunks() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.chunks...)
}

func drain(s transport.Stream) {
	for {
		if _, err := s.ReadEvent(); err != nil {
			return
		}
	}
}

func newTestOrchestrator(t *testing.T, p config.Pipeline, l Launcher, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{Pipeline: p, Launcher: l, ReadTimeout: 2 * time.Second}
	for _, m := range mutate {
		m(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func assertAllClosed(t *testing.T, l *fakeLauncher) {
	t.Helper()
	if got := l.Live(); got != 0 {
		t.Fatalf("live components = %d, want 0", got)
	}
}
