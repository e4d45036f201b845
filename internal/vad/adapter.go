package vad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ent0n29/voxpipe/internal/audio"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/transport"
)

// Adapter exposes a Detector and a Segmenter as a vad component. One
// Adapter may serve many connections; each gets its own Segmenter while the
// detector is shared under a mutex.
type Adapter struct {
	cfg SegmenterConfig

	mu       sync.Mutex
	detector Detector
}

func NewAdapter(d Detector, cfg SegmenterConfig) (*Adapter, error) {
	if d == nil {
		return nil, errors.New("vad adapter needs a detector")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, detector: d}, nil
}

// Info describes the component for describe requests.
func (a *Adapter) Info() protocol.Info {
	return protocol.Info{
		Name:        "voxpipe-vad",
		Description: "energy voice activity segmenter",
		Models:      []protocol.ModelInfo{{Name: a.detector.Name(), Installed: true}},
	}
}

// Handle serves one connection until the peer hangs up or ctx ends. It
// matches transport.Handler.
func (a *Adapter) Handle(ctx context.Context, s transport.Stream) {
	if err := a.Serve(ctx, s); err != nil {
		log.Warn("vad connection ended with error", "err", err)
	}
}

// Serve reads audio from s and writes voice-started/voice-stopped events.
// After a stop the segmenter resets, so one continuous stream can carry
// several commands.
func (a *Adapter) Serve(ctx context.Context, s transport.Stream) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	conn := &connection{
		adapter: a,
		stream:  s,
		seg:     NewSegmenter(a.cfg),
	}
	for {
		evt, err := s.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := conn.handle(evt); err != nil {
			return err
		}
	}
}

func (a *Adapter) isSpeech(chunk protocol.AudioChunk) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detector.IsSpeech(chunk)
}

type connection struct {
	adapter *Adapter
	stream  transport.Stream
	seg     *Segmenter

	// next is the stream time of the next chunk when chunks carry none.
	next        int64
	sentStarted bool
}

func (c *connection) handle(evt protocol.Event) error {
	switch evt.Type {
	case protocol.TypeDescribe:
		return c.stream.WriteEvent(c.adapter.Info().Event())
	case protocol.TypeAudioStart:
		c.reset()
		if ts := protocol.Int64Field(evt.Data, "timestamp"); ts != nil {
			c.next = *ts
		}
		return nil
	case protocol.TypeAudioStop:
		c.reset()
		return nil
	case protocol.TypeAudioChunk:
		chunk, err := protocol.ParseAudioChunk(evt)
		if err != nil {
			return c.stream.WriteEvent(protocol.Error{Text: err.Error(), Code: "invalid_audio"}.Event())
		}
		return c.process(chunk)
	default:
		log.Debug("vad ignoring event", "type", evt.Type)
		return nil
	}
}

func (c *connection) process(chunk protocol.AudioChunk) error {
	ts := c.next
	if chunk.Timestamp != nil {
		ts = *chunk.Timestamp
	}
	d := audio.Duration(audio.Format{Rate: chunk.Rate, Width: chunk.Width, Channels: chunk.Channels}, len(chunk.Audio))
	c.next = ts + d.Milliseconds()

	speech, err := c.adapter.isSpeech(chunk)
	if err != nil {
		return fmt.Errorf("detect speech: %w", err)
	}
	c.seg.Process(speech, d, ts)

	if c.seg.Started() && !c.sentStarted {
		start, _ := c.seg.StartTimestamp()
		if err := c.stream.WriteEvent(protocol.VoiceStarted{Timestamp: protocol.Int64(start)}.Event()); err != nil {
			return err
		}
		c.sentStarted = true
	}
	if c.seg.Stopped() {
		stopTS, _ := c.seg.StopTimestamp()
		msg := protocol.VoiceStopped{Timestamp: protocol.Int64(stopTS), Timeout: c.seg.TimedOut()}
		if err := c.stream.WriteEvent(msg.Event()); err != nil {
			return err
		}
		c.seg.Reset()
		c.sentStarted = false
	}
	return nil
}

func (c *connection) reset() {
	c.seg.Reset()
	c.sentStarted = false
	c.next = 0
}
