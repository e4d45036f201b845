package supervisor

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/transport"
)

// Handle is a started component. It is a transport.Stream whose Close also
// terminates and awaits the child process.
type Handle struct {
	sup    *Supervisor
	role   config.Role
	name   string
	stream transport.Stream

	cmd     *exec.Cmd
	tail    *tailBuffer
	exited  chan struct{}
	exitErr error

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu           sync.Mutex
	stopOnCancel func() bool
}

var _ transport.Stream = (*Handle)(nil)

func newHandle(s *Supervisor, role config.Role, name string, stream transport.Stream) *Handle {
	return &Handle{
		sup:    s,
		role:   role,
		name:   name,
		stream: stream,
		exited: make(chan struct{}),
	}
}

func (h *Handle) Role() config.Role { return h.role }
func (h *Handle) Name() string      { return h.name }

// Pid is the child's process id, or 0 for server connections.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Exited is closed once the child process has exited. It is closed
// immediately for server connections.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Stderr returns the tail of the child's standard error.
func (h *Handle) Stderr() string {
	if h.tail == nil {
		return ""
	}
	return h.tail.String()
}

func (h *Handle) ReadEvent() (protocol.Event, error) { return h.stream.ReadEvent() }

func (h *Handle) WriteEvent(e protocol.Event) error { return h.stream.WriteEvent(e) }

// Close ends the component: stdin is closed, a still-running child is
// signalled, killed after the grace period, and awaited. It is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.mu.Lock()
		stop := h.stopOnCancel
		h.mu.Unlock()
		if stop != nil {
			stop()
		}
		h.closeErr = h.shutdown()
		h.sup.release(h)
	})
	return h.closeErr
}

func (h *Handle) shutdown() error {
	h.closing.Store(true)
	err := h.stream.Close()
	if h.cmd == nil {
		return err
	}

	select {
	case <-h.exited:
		return err
	case <-time.After(h.sup.grace / 4):
	}

	terminate(h.cmd)
	select {
	case <-h.exited:
	case <-time.After(h.sup.grace):
		kill(h.cmd)
		<-h.exited
	}
	return err
}
