package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxpipe/internal/protocol"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	want := protocol.AudioChunk{
		AudioFormat: protocol.AudioFormat{Rate: 16000, Width: 2, Channels: 1},
		Audio:       []byte{'\n', 0, '\n', 1},
		Timestamp:   protocol.Int64(20),
	}.Event()
	go func() { _ = a.WriteEvent(want) }()

	got, err := b.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("ReadEvent() = %+v, want %+v", got, want)
	}
}

func TestPeerCloseIsEndOfStream(t *testing.T) {
	a, b := Pipe()
	_ = a.Close()
	if _, err := b.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadEvent() error = %v, want io.EOF", err)
	}
	_ = b.Close()
	if _, err := b.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadEvent() after Close error = %v, want io.EOF", err)
	}
	if err := b.WriteEvent(protocol.Played{}.Event()); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteEvent() after Close error = %v, want ErrClosed", err)
	}
}

func TestFramingErrorClosesStream(t *testing.T) {
	client, server := net.Pipe()
	s := NewConnStream("test", server)
	go func() {
		_, _ = client.Write([]byte("this is not json\n"))
	}()
	if _, err := s.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadEvent() error = %v, want io.EOF", err)
	}
	if err := s.WriteEvent(protocol.Played{}.Event()); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteEvent() error = %v, want ErrClosed", err)
	}
	_ = client.Close()
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	const writers, perWriter = 4, 25
	payload := bytes.Repeat([]byte{'x', '\n'}, 512)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = a.WriteEvent(protocol.Event{Type: protocol.TypeAudioChunk, Payload: payload})
			}
		}()
	}

	for i := 0; i < writers*perWriter; i++ {
		evt, err := b.ReadEvent()
		if err != nil {
			t.Fatalf("ReadEvent(%d) error = %v", i, err)
		}
		if !bytes.Equal(evt.Payload, payload) {
			t.Fatalf("ReadEvent(%d) payload corrupted (%d bytes)", i, len(evt.Payload))
		}
	}
	wg.Wait()
}

func TestListenersEcho(t *testing.T) {
	uris := map[string]string{
		"tcp":       "tcp://127.0.0.1:0",
		"unix":      "unix://" + filepath.Join(t.TempDir(), "echo.sock"),
		"websocket": "ws://127.0.0.1:0/events",
	}
	for name, uri := range uris {
		t.Run(name, func(t *testing.T) {
			ln, err := Listen(uri)
			if err != nil {
				t.Fatalf("Listen(%q) error = %v", uri, err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() {
				served <- ln.Serve(ctx, func(_ context.Context, s Stream) {
					for {
						evt, err := s.ReadEvent()
						if err != nil {
							return
						}
						if err := s.WriteEvent(evt); err != nil {
							return
						}
					}
				})
			}()

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer dialCancel()
			s, err := Dial(dialCtx, ln.URI())
			if err != nil {
				t.Fatalf("Dial(%q) error = %v", ln.URI(), err)
			}
			want := protocol.Transcript{Text: "turn on the lights"}.Event()
			if err := s.WriteEvent(want); err != nil {
				t.Fatalf("WriteEvent() error = %v", err)
			}
			got, err := s.ReadEvent()
			if err != nil {
				t.Fatalf("ReadEvent() error = %v", err)
			}
			if got.Type != want.Type || protocol.StringField(got.Data, "text") != "turn on the lights" {
				t.Fatalf("echo = %+v, want %+v", got, want)
			}

			// Cancellation closes the open connection and Serve returns.
			cancel()
			select {
			case err := <-served:
				if err != nil {
					t.Fatalf("Serve() error = %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("Serve() did not return after cancel")
			}
			if _, err := s.ReadEvent(); !errors.Is(err, io.EOF) {
				t.Fatalf("ReadEvent() after server shutdown error = %v, want io.EOF", err)
			}
			_ = s.Close()
		})
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:1")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("Dial() error = %v, want ErrUnsupportedScheme", err)
	}
}

func serveWS(t *testing.T, h Handler) *Listener {
	t.Helper()
	ln, err := Listen("ws://127.0.0.1:0/events")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ln.Serve(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln
}

func TestWebsocketCloseWithWriteToStalledPeer(t *testing.T) {
	ln := serveWS(t, func(ctx context.Context, _ Stream) { <-ctx.Done() })

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	s, err := Dial(dialCtx, ln.URI())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	chunk := protocol.Event{Type: protocol.TypeAudioChunk, Payload: make([]byte, 1<<20)}
	writing := make(chan struct{})
	go func() {
		defer close(writing)
		for {
			if err := s.WriteEvent(chunk); err != nil {
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close() blocked behind a pending write")
	}
	select {
	case <-writing:
	case <-time.After(5 * time.Second):
		t.Fatalf("pending WriteEvent() not released by Close()")
	}
}

func TestWebsocketOversizedMessageIsEndOfStream(t *testing.T) {
	got := make(chan error, 1)
	ln := serveWS(t, func(_ context.Context, s Stream) {
		_, err := s.ReadEvent()
		got <- err
	})

	conn, _, err := websocket.DefaultDialer.Dial(ln.URI(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, wsReadLimit+1))

	select {
	case err := <-got:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("ReadEvent() error = %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ReadEvent() did not return for an oversized message")
	}
}
