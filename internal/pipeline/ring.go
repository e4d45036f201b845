package pipeline

import "github.com/ent0n29/voxpipe/internal/protocol"

// chunkRing keeps the last cap audio chunks seen while waiting for the wake
// word. A zero-capacity ring keeps nothing.
type chunkRing struct {
	buf  []protocol.AudioChunk
	next int
	full bool
}

func newChunkRing(capacity int) *chunkRing {
	if capacity < 0 {
		capacity = 0
	}
	return &chunkRing{buf: make([]protocol.AudioChunk, capacity)}
}

func (r *chunkRing) Push(c protocol.AudioChunk) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = c
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *chunkRing) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Drain returns the buffered chunks oldest first and empties the ring.
func (r *chunkRing) Drain() []protocol.AudioChunk {
	out := make([]protocol.AudioChunk, 0, r.Len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	clear(r.buf)
	r.next = 0
	r.full = false
	return out
}
