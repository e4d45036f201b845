package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// ErrUnsupportedScheme reports a component URI this package cannot reach.
var ErrUnsupportedScheme = errors.New("unsupported uri scheme")

// Scheme-qualified addresses accepted by Dial and Listen.
const (
	SchemeUnix = "unix://"
	SchemeTCP  = "tcp://"
	SchemeWS   = "ws://"
	SchemeWSS  = "wss://"
)

// Dial connects to a component server at uri (unix://path, tcp://host:port,
// ws://host:port/path or wss://...).
func Dial(ctx context.Context, uri string) (Stream, error) {
	switch {
	case strings.HasPrefix(uri, SchemeUnix):
		return dialNet(ctx, "unix", strings.TrimPrefix(uri, SchemeUnix), uri)
	case strings.HasPrefix(uri, SchemeTCP):
		return dialNet(ctx, "tcp", strings.TrimPrefix(uri, SchemeTCP), uri)
	case strings.HasPrefix(uri, SchemeWS), strings.HasPrefix(uri, SchemeWSS):
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", uri, err)
		}
		return newWSStream(uri, conn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
}

func dialNet(ctx context.Context, network, addr, uri string) (Stream, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("dial %s: empty address", uri)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	return NewConnStream(uri, conn), nil
}

// NewConnStream frames events over a net.Conn.
func NewConnStream(name string, conn net.Conn) Stream {
	return NewStream(name, conn, conn, conn)
}

// Pipe returns two connected in-memory streams.
func Pipe() (Stream, Stream) {
	a, b := net.Pipe()
	return NewConnStream("pipe-a", a), NewConnStream("pipe-b", b)
}
