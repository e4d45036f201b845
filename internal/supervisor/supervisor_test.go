package supervisor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/transport"
)

func requireShell(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"sh", "cat", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available: %v", bin, err)
		}
	}
}

func assertNoLeaks(t *testing.T, s *Supervisor) {
	t.Helper()
	if got := s.Running(); got != 0 {
		t.Fatalf("Running() = %d, want 0", got)
	}
	if got := s.Live(); got != 0 {
		t.Fatalf("Live() = %d, want 0", got)
	}
}

func TestStartProcessEchoesEvents(t *testing.T) {
	requireShell(t)
	s := New(Options{StopGrace: 500 * time.Millisecond})
	h, err := s.Start(context.Background(), config.RoleHandle, &config.Component{Name: "echo", Command: "cat"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.Pid() == 0 {
		t.Fatalf("Pid() = 0, want a child pid")
	}
	if s.Running() != 1 || s.Live() != 1 {
		t.Fatalf("Running()=%d Live()=%d, want 1/1", s.Running(), s.Live())
	}

	want := protocol.Transcript{Text: "hello\nworld"}.Event()
	if err := h.WriteEvent(want); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	got, err := h.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if got.Type != want.Type || protocol.StringField(got.Data, "text") != "hello\nworld" {
		t.Fatalf("ReadEvent() = %+v, want %+v", got, want)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	assertNoLeaks(t, s)
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestCloseKillsStubbornChild(t *testing.T) {
	requireShell(t)
	s := New(Options{StopGrace: 200 * time.Millisecond})
	h, err := s.Start(context.Background(), config.RoleMic, &config.Component{
		Name:    "stubborn",
		Command: `trap "" TERM; sleep 30`,
		Shell:   true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	_ = h.Close()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Close() took %s, want bounded by the grace period", elapsed)
	}
	select {
	case <-h.Exited():
	default:
		t.Fatalf("Exited() not closed after Close()")
	}
	assertNoLeaks(t, s)
}

func TestCrashedChildIsEndOfStream(t *testing.T) {
	requireShell(t)
	s := New(Options{StopGrace: 200 * time.Millisecond})
	h, err := s.Start(context.Background(), config.RoleASR, &config.Component{Name: "crash", Command: "exit 3", Shell: true})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := h.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadEvent() error = %v, want io.EOF", err)
	}
	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatalf("Exited() not closed after the child crashed")
	}
	if s.Running() != 0 {
		t.Fatalf("Running() = %d after crash, want 0", s.Running())
	}
	if s.Live() != 1 {
		t.Fatalf("Live() = %d before Close, want 1", s.Live())
	}
	_ = h.Close()
	assertNoLeaks(t, s)
}

func TestCancelTerminatesChild(t *testing.T) {
	requireShell(t)
	s := New(Options{StopGrace: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Start(ctx, config.RoleWake, &config.Component{Name: "sleeper", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("child still running after cancel")
	}
	_ = h.Close()
	assertNoLeaks(t, s)
}

func TestComponentEnvAndParams(t *testing.T) {
	requireShell(t)
	s := New(Options{})
	c := &config.Component{
		Name:    "printer",
		Command: `printf '{"type":"info","data":{"name":"%s-%s-{model}"}}\n' "$VOX_NAME" "$PYTHONUNBUFFERED"`,
		Shell:   true,
		Params:  map[string]string{"model": "tiny"},
		Env:     map[string]string{"VOX_NAME": "vad"},
	}
	h, err := s.Start(context.Background(), config.RoleVAD, c)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Close()
	evt, err := h.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error = %v (stderr %q)", err, h.Stderr())
	}
	if got := protocol.StringField(evt.Data, "name"); got != "vad-1-tiny" {
		t.Fatalf("name = %q, want %q", got, "vad-1-tiny")
	}
}

func TestStartMissingComponentIsConfigError(t *testing.T) {
	s := New(Options{})
	if _, err := s.Start(context.Background(), config.RoleTTS, nil); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("Start(nil) error = %v, want ErrConfig", err)
	}
	_, err := s.Start(context.Background(), config.RoleTTS, &config.Component{Name: "tts", Command: "piper --voice {voice}"})
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("Start(unresolved) error = %v, want ErrConfig", err)
	}
	if _, err := s.Start(context.Background(), config.RoleTTS, &config.Component{Name: "tts", Command: "/nonexistent/voxpipe-tts"}); err == nil {
		t.Fatalf("Start(nonexistent) error = nil, want error")
	}
	assertNoLeaks(t, s)
}

func TestStartURIComponent(t *testing.T) {
	uri := "unix://" + filepath.Join(t.TempDir(), "asr.sock")
	ln, err := transport.Listen(uri)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = ln.Serve(ctx, func(_ context.Context, st transport.Stream) {
			if _, err := st.ReadEvent(); err != nil {
				return
			}
			_ = st.WriteEvent(protocol.Transcript{Text: "ok"}.Event())
		})
	}()

	s := New(Options{})
	h, err := s.Start(context.Background(), config.RoleASR, &config.Component{Name: "asr", URI: uri})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.Pid() != 0 || s.Running() != 0 || s.Live() != 1 {
		t.Fatalf("Pid()=%d Running()=%d Live()=%d, want 0/0/1", h.Pid(), s.Running(), s.Live())
	}
	if err := h.WriteEvent(protocol.AudioStop{}.Event()); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	evt, err := h.ReadEvent()
	if err != nil || evt.Type != protocol.TypeTranscript {
		t.Fatalf("ReadEvent() = %+v, %v, want transcript", evt, err)
	}
	_ = h.Close()
	assertNoLeaks(t, s)
}

func TestSupervisorCloseStopsEverything(t *testing.T) {
	requireShell(t)
	s := New(Options{StopGrace: 200 * time.Millisecond})
	for i := 0; i < 3; i++ {
		if _, err := s.Start(context.Background(), config.RoleMic, &config.Component{Name: "mic", Command: "cat"}); err != nil {
			t.Fatalf("Start(%d) error = %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	assertNoLeaks(t, s)
	if _, err := s.Start(context.Background(), config.RoleMic, &config.Component{Name: "mic", Command: "cat"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestExpandTemplate(t *testing.T) {
	got, err := expandTemplate(`run --model {model} --home ${HOME} {model}`, map[string]string{"model": "base.en"})
	if err != nil {
		t.Fatalf("expandTemplate() error = %v", err)
	}
	if want := `run --model base.en --home ${HOME} base.en`; got != want {
		t.Fatalf("expandTemplate() = %q, want %q", got, want)
	}
	_, err = expandTemplate(`run {a} {b} {a}`, nil)
	if !errors.Is(err, config.ErrConfig) || !strings.Contains(err.Error(), "a, b") {
		t.Fatalf("expandTemplate() error = %v, want ErrConfig naming a, b", err)
	}
}

func TestPrependPathEnv(t *testing.T) {
	env := []string{"PATH=/usr/bin"}
	env = prependPathEnv(env, "PATH", "/opt/vad/bin")
	env = prependPathEnv(env, "PATH", "/opt/vad/bin")
	if env[0] != "PATH=/opt/vad/bin:/usr/bin" {
		t.Fatalf("PATH = %q, want the dir prepended once", env[0])
	}
}
