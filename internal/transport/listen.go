package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxpipe/internal/log"
)

// Handler serves one accepted connection. The stream is closed after the
// handler returns.
type Handler func(ctx context.Context, s Stream)

// Listener accepts component connections on a unix, tcp or ws address.
type Listener struct {
	uri  string
	ln   net.Listener
	path string // websocket upgrade path, ws only
	ws   bool

	mu     sync.Mutex
	active map[Stream]struct{}
	done   bool
}

// Listen binds uri. A stale unix socket file is removed first.
func Listen(uri string) (*Listener, error) {
	l := &Listener{uri: uri, active: make(map[Stream]struct{})}
	var err error
	switch {
	case strings.HasPrefix(uri, SchemeUnix):
		path := strings.TrimPrefix(uri, SchemeUnix)
		if path == "" {
			return nil, fmt.Errorf("listen %s: empty path", uri)
		}
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(path)
		}
		l.ln, err = net.Listen("unix", path)
	case strings.HasPrefix(uri, SchemeTCP):
		l.ln, err = net.Listen("tcp", strings.TrimPrefix(uri, SchemeTCP))
	case strings.HasPrefix(uri, SchemeWS):
		hostPath := strings.TrimPrefix(uri, SchemeWS)
		host, path, _ := strings.Cut(hostPath, "/")
		l.path = "/" + path
		l.ws = true
		l.ln, err = net.Listen("tcp", host)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", uri, err)
	}
	return l, nil
}

// URI is the dialable address, with the real port when :0 was requested.
func (l *Listener) URI() string {
	switch {
	case strings.HasPrefix(l.uri, SchemeUnix):
		return l.uri
	case l.ws:
		return SchemeWS + l.ln.Addr().String() + l.path
	default:
		return SchemeTCP + l.ln.Addr().String()
	}
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Serve accepts connections until ctx is canceled or the listener is closed,
// running each handler on its own goroutine. Open connections are closed on
// cancellation and Serve returns after every handler has finished.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
		l.closeActive()
	})
	defer stop()

	var err error
	if l.ws {
		err = l.serveWS(ctx, h, &wg)
	} else {
		err = l.serveConns(ctx, h, &wg)
	}
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
	l.closeActive()
	wg.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *Listener) serveConns(ctx context.Context, h Handler, wg *sync.WaitGroup) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		s := NewConnStream(conn.RemoteAddr().String(), conn)
		l.run(ctx, s, h, wg)
	}
}

func (l *Listener) serveWS(ctx context.Context, h Handler, wg *sync.WaitGroup) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		// Component peers are local processes, not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "uri", l.uri, "err", err)
			return
		}
		l.run(ctx, newWSStream(r.RemoteAddr, conn), h, wg)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()
	return srv.Serve(l.ln)
}

func (l *Listener) run(ctx context.Context, s Stream, h Handler, wg *sync.WaitGroup) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		_ = s.Close()
		return
	}
	l.active[s] = struct{}{}
	wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer wg.Done()
		defer func() {
			_ = s.Close()
			l.mu.Lock()
			delete(l.active, s)
			l.mu.Unlock()
		}()
		h(ctx, s)
	}()
}

func (l *Listener) closeActive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.active {
		_ = s.Close()
	}
}
