// Package supervisor launches pipeline components, either as child processes
// speaking events over stdin/stdout or as connections to running servers,
// and guarantees they are terminated and awaited on close.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/observability"
	"github.com/ent0n29/voxpipe/internal/transport"
)

// ErrClosed is returned by Start after the supervisor has been shut down.
var ErrClosed = errors.New("supervisor closed")

const defaultStopGrace = 1200 * time.Millisecond

// Options configures a Supervisor.
type Options struct {
	// StopGrace is how long a child gets to exit after stdin is closed and
	// it is signalled, before it is killed.
	StopGrace time.Duration
	Metrics   *observability.Metrics
}

// Supervisor tracks every component it started until that component is
// closed. It is safe for concurrent use.
type Supervisor struct {
	grace   time.Duration
	metrics *observability.Metrics

	mu      sync.Mutex
	live    map[*Handle]struct{}
	running int
	closed  bool
}

func New(opts Options) *Supervisor {
	grace := opts.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Supervisor{
		grace:   grace,
		metrics: opts.Metrics,
		live:    make(map[*Handle]struct{}),
	}
}

// Start launches c for role and returns once its event stream is usable.
// The component is closed automatically when ctx is canceled; callers must
// still Close the handle to await exit and release resources.
func (s *Supervisor) Start(ctx context.Context, role config.Role, c *config.Component) (_ *Handle, err error) {
	if c == nil {
		return nil, fmt.Errorf("%w: %s is not configured", config.ErrConfig, role)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, span := tracer.Start(ctx, "start component", trace.WithAttributes(
		attribute.String("component.role", string(role)),
		attribute.String("component.name", c.Name),
		attribute.String("component.kind", c.Kind()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.ObserveComponentFailure(string(role), "start")
		}
		span.End()
	}()

	var h *Handle
	if c.URI != "" {
		h, err = s.dial(ctx, role, c)
	} else {
		h, err = s.spawn(role, c)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.live[h] = struct{}{}
	if h.cmd != nil {
		s.running++
	}
	closed = s.closed
	s.mu.Unlock()

	s.metrics.ObserveComponentStart(string(role), c.Kind())
	if h.cmd != nil {
		span.SetAttributes(attribute.Int("component.pid", h.cmd.Process.Pid))
		go s.reap(h)
	}
	if closed {
		_ = h.Close()
		return nil, ErrClosed
	}
	h.mu.Lock()
	h.stopOnCancel = context.AfterFunc(ctx, func() { _ = h.Close() })
	h.mu.Unlock()
	log.Debug("component started", "role", role, "name", c.Name, "kind", c.Kind())
	return h, nil
}

// Launch is Start for callers that only need the event stream.
func (s *Supervisor) Launch(ctx context.Context, role config.Role, c *config.Component) (transport.Stream, error) {
	h, err := s.Start(ctx, role, c)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Supervisor) dial(ctx context.Context, role config.Role, c *config.Component) (*Handle, error) {
	stream, err := transport.Dial(ctx, c.URI)
	if err != nil {
		return nil, fmt.Errorf("connect %s %q: %w", role, c.Name, err)
	}
	h := newHandle(s, role, c.Name, stream)
	close(h.exited)
	return h, nil
}

func (s *Supervisor) spawn(role config.Role, c *config.Component) (*Handle, error) {
	argv, err := commandLine(c)
	if err != nil {
		return nil, err
	}
	path := argv[0]
	if c.Dir != "" && !filepath.IsAbs(path) && filepath.Base(path) != path {
		// script/run style commands are relative to the component dir.
		path = filepath.Join(c.Dir, path)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = componentEnv(c)
	cmd.WaitDelay = s.grace
	setProcessGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("start %s %q: stdin pipe: %w", role, c.Name, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, fmt.Errorf("start %s %q: stdout pipe: %w", role, c.Name, err)
	}
	tail := newTailBuffer(16 << 10)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		_ = transport.Closers{stdinR, stdinW, stdoutR, stdoutW}.Close()
		return nil, fmt.Errorf("start %s %q: %w", role, c.Name, err)
	}
	// The child holds its own copies; ours would keep EOF from arriving.
	_ = stdinR.Close()
	_ = stdoutW.Close()

	stream := transport.NewStream(string(role)+":"+c.Name, stdoutR, stdinW, transport.Closers{stdinW, stdoutR})
	h := newHandle(s, role, c.Name, stream)
	h.cmd = cmd
	h.tail = tail
	return h, nil
}

func (s *Supervisor) reap(h *Handle) {
	err := h.cmd.Wait()
	h.exitErr = err

	s.mu.Lock()
	s.running--
	s.mu.Unlock()

	if err != nil && !h.closing.Load() {
		s.metrics.ObserveComponentFailure(string(h.role), "exit")
		log.Warn("component exited", "role", h.role, "name", h.name, "err", err, "stderr", h.tail.String())
	} else {
		log.Debug("component exited", "role", h.role, "name", h.name, "stderr", h.tail.String())
	}
	close(h.exited)
}

func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	_, ok := s.live[h]
	delete(s.live, h)
	s.mu.Unlock()
	if ok {
		s.metrics.ObserveComponentClosed()
	}
}

// Live is the number of components started and not yet closed.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Running is the number of child processes that have not exited.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops accepting new components and closes every live one.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.live))
	for h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
