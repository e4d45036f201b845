// Package transport carries framed events over process pipes, Unix
// sockets, TCP and websockets with identical read/write semantics.
package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/protocol"
)

// Stream is a duplex event connection to one component.
//
// ReadEvent returns io.EOF when the peer is gone. A framing error closes the
// stream and is also reported as io.EOF; it is never surfaced as a partial
// event. WriteEvent is safe for concurrent use, ReadEvent is not.
type Stream interface {
	ReadEvent() (protocol.Event, error)
	WriteEvent(protocol.Event) error
	Close() error
}

// ErrClosed is returned by writes on a closed stream.
var ErrClosed = errors.New("stream closed")

type byteStream struct {
	name string
	r    *protocol.Reader

	wmu sync.Mutex
	w   io.Writer

	closeOnce sync.Once
	closer    io.Closer
	closeErr  error
	closed    chan struct{}
}

// NewStream frames events over a reader/writer pair. c is closed exactly
// once by Close and may be nil.
func NewStream(name string, r io.Reader, w io.Writer, c io.Closer) Stream {
	return &byteStream{
		name:   name,
		r:      protocol.NewReader(r),
		w:      w,
		closer: c,
		closed: make(chan struct{}),
	}
}

// Stdio is the stream a component process speaks on its own stdin/stdout.
func Stdio() Stream {
	return NewStream("stdio", os.Stdin, os.Stdout, nil)
}

func (s *byteStream) ReadEvent() (protocol.Event, error) {
	evt, err := s.r.ReadEvent()
	if err == nil {
		return evt, nil
	}
	var frameErr *protocol.FrameError
	if errors.As(err, &frameErr) {
		log.Warn("closing connection after framing error", "stream", s.name, "err", err)
		_ = s.Close()
		return protocol.Event{}, io.EOF
	}
	if s.isClosed() {
		return protocol.Event{}, io.EOF
	}
	return protocol.Event{}, err
}

func (s *byteStream) WriteEvent(evt protocol.Event) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if err := protocol.WriteEvent(s.w, evt); err != nil {
		return fmt.Errorf("write %s to %s: %w", evt.Type, s.name, err)
	}
	return nil
}

func (s *byteStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

func (s *byteStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Closers closes each closer in order and joins their errors.
type Closers []io.Closer

func (cs Closers) Close() error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
