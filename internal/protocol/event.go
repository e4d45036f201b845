package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Event is one framed message exchanged between pipeline components.
//
// Data never carries raw audio; binary content always travels as Payload.
// A nil Payload means the header has no payload_length, a non-nil empty
// Payload is framed as payload_length 0.
type Event struct {
	Type    Type
	Data    map[string]any
	Payload []byte
}

// FrameError reports a header that could not be parsed. The connection it
// came from is no longer usable.
type FrameError struct {
	Header string
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed event header %q: %v", e.Header, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

type header struct {
	Type          Type            `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	PayloadLength *int            `json:"payload_length,omitempty"`
}

// maxHeaderBytes bounds a single header line so a peer that never sends a
// newline cannot grow the reader without limit.
const maxHeaderBytes = 1 << 20

// MaxPayloadBytes bounds payload_length. Larger claims are framing errors.
const MaxPayloadBytes = 32 << 20

// Encode returns the wire bytes for e: one compact JSON header line, then
// the raw payload.
func Encode(e Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteEvent writes e to w with a single Write call so concurrent writers
// holding their own lock never interleave partial frames.
func WriteEvent(w io.Writer, e Event) error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	h := header{Type: e.Type}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode %s data: %w", e.Type, err)
		}
		h.Data = raw
	}
	if e.Payload != nil {
		n := len(e.Payload)
		h.PayloadLength = &n
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode terminates the header with '\n'.
	if err := enc.Encode(h); err != nil {
		return fmt.Errorf("encode %s header: %w", e.Type, err)
	}
	buf.Write(e.Payload)

	_, err := w.Write(buf.Bytes())
	return err
}

// Reader decodes events from a byte stream.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br}
	}
	return &Reader{br: bufio.NewReaderSize(r, 64<<10)}
}

// ReadEvent blocks until a complete event is available.
//
// It returns io.EOF when the stream ends, including when it ends in the
// middle of a header or before payload_length bytes arrived. A header that
// is not valid JSON, has no type or claims more than MaxPayloadBytes
// yields a *FrameError.
func (r *Reader) ReadEvent() (Event, error) {
	line, err := r.readLine()
	if err != nil {
		return Event{}, err
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, &FrameError{Header: truncateHeader(line), Err: err}
	}
	if h.Type == "" {
		return Event{}, &FrameError{Header: truncateHeader(line), Err: errors.New("missing type")}
	}
	if h.PayloadLength != nil && *h.PayloadLength < 0 {
		return Event{}, &FrameError{Header: truncateHeader(line), Err: errors.New("negative payload_length")}
	}
	if h.PayloadLength != nil && *h.PayloadLength > MaxPayloadBytes {
		return Event{}, &FrameError{Header: truncateHeader(line), Err: errors.New("payload_length too large")}
	}

	e := Event{Type: h.Type}
	if len(h.Data) > 0 && !bytes.Equal(h.Data, []byte("null")) {
		if err := json.Unmarshal(h.Data, &e.Data); err != nil {
			return Event{}, &FrameError{Header: truncateHeader(line), Err: fmt.Errorf("data: %w", err)}
		}
	}
	if h.PayloadLength != nil {
		e.Payload = make([]byte, *h.PayloadLength)
		if _, err := io.ReadFull(r.br, e.Payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
	}
	return e, nil
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > maxHeaderBytes {
				return nil, &FrameError{Header: truncateHeader(line), Err: errors.New("header too long")}
			}
		case errors.Is(err, io.EOF):
			// A partial header is not an event.
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Decode reads a single event from raw wire bytes.
func Decode(raw []byte) (Event, error) {
	return NewReader(bytes.NewReader(raw)).ReadEvent()
}

func truncateHeader(line []byte) string {
	const max = 160
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
