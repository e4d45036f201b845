package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/protocol"
)

const (
	// wsReadLimit admits the largest frame the codec accepts.
	wsReadLimit = protocol.MaxPayloadBytes + 1<<20
	wsWriteWait = 10 * time.Second
	wsCloseWait = time.Second
)

// wsStream carries one framed event per binary websocket message.
type wsStream struct {
	name string
	conn *websocket.Conn

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newWSStream(name string, conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(wsReadLimit)
	return &wsStream{name: name, conn: conn, closed: make(chan struct{})}
}

func (s *wsStream) ReadEvent() (protocol.Event, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || isWSClosed(err) {
				return protocol.Event{}, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Warn("closing websocket after oversized message", "stream", s.name)
				_ = s.Close()
				return protocol.Event{}, io.EOF
			}
			return protocol.Event{}, err
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		evt, err := protocol.Decode(data)
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) || errors.Is(err, io.EOF) {
				log.Warn("closing websocket after framing error", "stream", s.name, "err", err)
				_ = s.Close()
				return protocol.Event{}, io.EOF
			}
			return protocol.Event{}, err
		}
		return evt, nil
	}
}

func (s *wsStream) WriteEvent(evt protocol.Event) error {
	raw, err := protocol.Encode(evt)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("write %s to %s: %w", evt.Type, s.name, err)
	}
	return nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		// WriteControl may run alongside a pending WriteEvent; closing the
		// conn then releases that writer.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseWait))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *wsStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func isWSClosed(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
