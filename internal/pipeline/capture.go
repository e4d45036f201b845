package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voxpipe/internal/audio"
	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/observability"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/transport"
)

type captureState int

const (
	detectWake captureState = iota
	beforeCommand
	inCommand
)

func (s captureState) String() string {
	switch s {
	case detectWake:
		return "detect_wake"
	case beforeCommand:
		return "before_command"
	case inCommand:
		return "in_command"
	default:
		return fmt.Sprintf("captureState(%d)", int(s))
	}
}

type step int

const (
	stepContinue step = iota
	// stepCaptured ends capture; the transcript is next.
	stepCaptured
	// stepDone ends the iteration with the outcome already set.
	stepDone
)

type incoming struct {
	role config.Role
	evt  protocol.Event
	err  error
}

// pump delivers events from s until it fails or ctx ends. The next read is
// only issued once the previous event was taken.
func pump(ctx context.Context, role config.Role, s transport.Stream, out chan<- incoming) {
	for {
		evt, err := s.ReadEvent()
		select {
		case out <- incoming{role: role, evt: evt, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type capturer struct {
	r     *run
	state captureState
	// begun is set once asr has been sent audio-start.
	begun    bool
	wakeOnly bool

	mic, wake, vad, asr transport.Stream

	ring     *chunkRing
	format   protocol.AudioFormat
	lastTS   *int64
	micEnded bool

	detectedAt time.Time
	// cutoff fires when a begun command outlives maxCommand.
	cutoff   *time.Timer
	captured int
	pcm        []byte
}

// capture runs the wake and command capture phase. It returns the asr
// stream with a complete audio-start/audio-stop bracket written to it, or
// done when the iteration ended during capture.
func (r *run) capture(ctx context.Context) (_ transport.Stream, done bool, err error) {
	ctx, span := tracer.Start(ctx, "capture")
	defer func() { endSpan(span, err) }()

	p := r.o.pipeline
	useWake := p.Wake != nil && r.opts.StartAfter != StageWake
	if r.opts.StopAfter == StageWake && !useWake {
		return nil, false, fmt.Errorf("%w: stopping after wake needs a wake component", config.ErrConfig)
	}
	if !useWake && p.ASR == nil {
		return nil, false, fmt.Errorf("%w: pipeline %q has neither wake nor asr to capture with", config.ErrConfig, p.Name)
	}

	c := &capturer{
		r:        r,
		wakeOnly: useWake && (p.ASR == nil || r.opts.StopAfter == StageWake),
		ring:     newChunkRing(p.MicBufferChunks),
		format: protocol.AudioFormat{
			Rate:     audio.DefaultRate,
			Width:    audio.DefaultWidth,
			Channels: audio.DefaultChannels,
		},
	}
	if c.mic, err = r.start(ctx, config.RoleMic); err != nil {
		return nil, false, err
	}
	if useWake {
		if c.wake, err = r.start(ctx, config.RoleWake); err != nil {
			return nil, false, err
		}
	} else {
		c.state = beforeCommand
	}
	if !c.wakeOnly {
		if c.asr, err = r.start(ctx, config.RoleASR); err != nil {
			return nil, false, err
		}
		if c.vad, err = r.start(ctx, config.RoleVAD); err != nil {
			return nil, false, err
		}
	}

	events := make(chan incoming)
	pumpCtx, stopPumps := context.WithCancel(ctx)
	var wg sync.WaitGroup
	upstream := []config.Role{config.RoleMic, config.RoleWake, config.RoleVAD}
	for role, s := range map[config.Role]transport.Stream{config.RoleMic: c.mic, config.RoleWake: c.wake, config.RoleVAD: c.vad} {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pump(pumpCtx, role, s, events)
		}()
	}
	defer func() {
		if c.cutoff != nil {
			c.cutoff.Stop()
		}
		stopPumps()
		if cerr := r.closeRoles(upstream...); cerr != nil {
			log.Debug("closing capture components", "err", cerr)
		}
		wg.Wait()
	}()

	r.phase(c.state.String())
	res, err := c.loop(ctx, events)
	if err != nil || res == stepDone {
		return nil, res == stepDone, err
	}
	c.finishCapture()
	return c.asr, false, nil
}

func (c *capturer) loop(ctx context.Context, events <-chan incoming) (step, error) {
	var micGrace <-chan time.Time
	for {
		if c.micEnded && c.state == detectWake && micGrace == nil {
			// The wake component gets a bounded chance to answer for the
			// audio it already has.
			micGrace = time.After(c.r.o.readTimeout)
		}

		var cutoff <-chan time.Time
		if c.cutoff != nil {
			cutoff = c.cutoff.C
		}

		var in incoming
		select {
		case <-ctx.Done():
			return stepDone, ctx.Err()
		case <-micGrace:
			c.r.res.Outcome = OutcomeNotDetected
			return stepDone, nil
		case <-cutoff:
			return c.cutOff()
		case in = <-events:
		}
		if err := ctx.Err(); err != nil {
			// Components hang up once the context ends; that is not their
			// verdict.
			return stepDone, err
		}
		if in.err == nil {
			c.r.o.metrics.ObserveEvent("in", string(in.evt.Type))
		}

		var (
			next step
			err  error
		)
		switch in.role {
		case config.RoleMic:
			next, err = c.onMic(in)
		case config.RoleWake:
			next, err = c.onWake(in)
		case config.RoleVAD:
			next, err = c.onVAD(in)
		}
		if err != nil || next != stepContinue {
			return next, err
		}
	}
}

func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed)
}

func (c *capturer) onMic(in incoming) (step, error) {
	if in.err != nil {
		if !endOfStream(in.err) {
			return stepDone, componentFailure(config.RoleMic, in.err)
		}
		return c.micStopped()
	}

	switch in.evt.Type {
	case protocol.TypeAudioStart:
		msg, err := protocol.Parse(in.evt)
		if err != nil {
			log.Warn("ignoring invalid mic audio-start", "err", err)
			return stepContinue, nil
		}
		start := msg.(protocol.AudioStart)
		c.format = start.AudioFormat
		if start.Timestamp != nil {
			c.lastTS = start.Timestamp
		}
		if c.state != detectWake && !c.begun {
			return stepContinue, c.begin()
		}
		return stepContinue, nil
	case protocol.TypeAudioStop:
		return c.micStopped()
	case protocol.TypeAudioChunk:
	default:
		log.Debug("ignoring mic event", "type", in.evt.Type)
		return stepContinue, nil
	}

	chunk, err := protocol.ParseAudioChunk(in.evt)
	if err != nil {
		log.Warn("dropping invalid mic chunk", "err", err)
		return stepContinue, nil
	}
	c.format = chunk.AudioFormat
	if chunk.Timestamp != nil {
		c.lastTS = chunk.Timestamp
	}

	if c.state == detectWake {
		c.ring.Push(chunk)
		return stepContinue, c.r.send(config.RoleWake, c.wake, in.evt)
	}
	if !c.begun {
		if err := c.begin(); err != nil {
			return stepDone, err
		}
	}
	c.keep(chunk)
	return stepContinue, c.fanOut(in.evt)
}

// micStopped handles the end of the mic stream. Before the wake word it
// leaves the wake component to give its verdict; after it, the command ends
// without a timestamp.
func (c *capturer) micStopped() (step, error) {
	if c.micEnded {
		return stepContinue, nil
	}
	c.micEnded = true
	log.Info("mic stream ended", "state", c.state.String())

	switch {
	case c.state == detectWake:
		if err := c.wake.WriteEvent(protocol.AudioStop{Timestamp: c.lastTS}.Event()); err != nil {
			log.Debug("wake audio-stop", "err", err)
		}
		return stepContinue, nil
	case !c.begun:
		c.r.res.Outcome = OutcomeNoTranscript
		return stepDone, nil
	default:
		return stepCaptured, c.r.send(config.RoleASR, c.asr, protocol.AudioStop{}.Event())
	}
}

func (c *capturer) onWake(in incoming) (step, error) {
	if c.state != detectWake {
		// Detection already happened; later wake output does not matter.
		return stepContinue, nil
	}
	if in.err != nil {
		if c.micEnded && endOfStream(in.err) {
			c.r.res.Outcome = OutcomeNotDetected
			return stepDone, nil
		}
		return stepDone, componentFailure(config.RoleWake, fmt.Errorf("stream ended before detection: %w", in.err))
	}

	switch in.evt.Type {
	case protocol.TypeDetection:
	case protocol.TypeNotDetected:
		c.r.res.Outcome = OutcomeNotDetected
		return stepDone, nil
	case protocol.TypeError:
		return stepDone, errorEvent(config.RoleWake, in.evt)
	default:
		return stepContinue, nil
	}

	c.r.res.WakeWord = protocol.StringField(in.evt.Data, "name")
	c.detectedAt = time.Now()
	log.Info("wake word detected", "name", c.r.res.WakeWord, "pipeline", c.r.o.pipeline.Name)
	if c.wakeOnly {
		c.r.res.Outcome = OutcomeDetected
		c.r.observeIndicator("wake_only")
		return stepDone, nil
	}

	c.state = beforeCommand
	c.r.phase(c.state.String())
	if err := c.begin(); err != nil {
		return stepDone, err
	}
	if c.micEnded {
		return stepCaptured, c.r.send(config.RoleASR, c.asr, protocol.AudioStop{Timestamp: c.lastTS}.Event())
	}
	return stepContinue, nil
}

func (c *capturer) onVAD(in incoming) (step, error) {
	if in.err != nil {
		return stepDone, componentFailure(config.RoleVAD, fmt.Errorf("stream ended during capture: %w", in.err))
	}

	switch in.evt.Type {
	case protocol.TypeVoiceStarted:
		if c.state == beforeCommand {
			c.state = inCommand
			c.r.phase(c.state.String())
			if !c.detectedAt.IsZero() {
				c.r.observePhase(observability.PhaseWakeToVoice, time.Since(c.detectedAt))
			}
		}
		return stepContinue, nil
	case protocol.TypeVoiceStopped:
		if c.state == detectWake || !c.begun {
			return stepContinue, nil
		}
		stopTS := c.lastTS
		if stopTS == nil {
			stopTS = protocol.Int64Field(in.evt.Data, "timestamp")
		}
		if timeout, _ := in.evt.Data["timeout"].(bool); timeout {
			c.r.observeIndicator("voice_timeout")
			c.r.res.VoiceTimeout = true
		}
		return stepCaptured, c.r.send(config.RoleASR, c.asr, protocol.AudioStop{Timestamp: stopTS}.Event())
	case protocol.TypeError:
		return stepDone, errorEvent(config.RoleVAD, in.evt)
	default:
		return stepContinue, nil
	}
}

// cutOff ends a command the vad never closed, as if it had timed out.
func (c *capturer) cutOff() (step, error) {
	log.Warn("command cut off", "pipeline", c.r.o.pipeline.Name, "after", c.r.o.maxCommand, "state", c.state.String())
	c.r.observeIndicator("command_cut_off")
	c.r.res.VoiceTimeout = true
	return stepCaptured, c.r.send(config.RoleASR, c.asr, protocol.AudioStop{Timestamp: c.lastTS}.Event())
}

// begin opens the command: audio-start goes to asr and vad, followed by the
// buffered pre-wake chunks for asr, oldest first.
func (c *capturer) begin() error {
	c.begun = true
	c.cutoff = time.NewTimer(c.r.o.maxCommand)
	if c.detectedAt.IsZero() {
		c.detectedAt = time.Now()
	}
	start := protocol.AudioStart{AudioFormat: c.format, Timestamp: c.lastTS}.Event()
	if err := c.r.send(config.RoleASR, c.asr, start); err != nil {
		return err
	}
	if c.vad != nil {
		if err := c.r.send(config.RoleVAD, c.vad, start); err != nil {
			return err
		}
	}
	for _, chunk := range c.ring.Drain() {
		c.keep(chunk)
		if err := c.r.send(config.RoleASR, c.asr, chunk.Event()); err != nil {
			return err
		}
	}
	return nil
}

// fanOut writes one mic event to asr and vad concurrently and waits for
// both.
func (c *capturer) fanOut(evt protocol.Event) error {
	var g errgroup.Group
	g.Go(func() error { return c.r.send(config.RoleASR, c.asr, evt) })
	if c.vad != nil {
		g.Go(func() error { return c.r.send(config.RoleVAD, c.vad, evt) })
	}
	return g.Wait()
}

func (c *capturer) keep(chunk protocol.AudioChunk) {
	c.captured += len(chunk.Audio)
	if c.r.o.recordDir != "" {
		c.pcm = append(c.pcm, chunk.Audio...)
	}
}

func (c *capturer) finishCapture() {
	r := c.r
	r.capturedAt = time.Now()
	f := audio.Format{Rate: c.format.Rate, Width: c.format.Width, Channels: c.format.Channels}
	r.o.metrics.ObserveCapture(audio.Duration(f, c.captured))
	r.observePhase(observability.PhaseCapture, time.Since(c.detectedAt))
	if r.o.recordDir == "" || len(c.pcm) == 0 {
		return
	}

	name := r.res.RunID
	if name == "" {
		name = time.Now().UTC().Format("20060102T150405.000")
	}
	path := filepath.Join(r.o.recordDir, name+".wav")
	if err := os.MkdirAll(r.o.recordDir, 0o755); err != nil {
		log.Warn("record command failed", "path", path, "err", err)
		return
	}
	if err := audio.WriteWAVFile(path, c.pcm, f); err != nil {
		log.Warn("record command failed", "path", path, "err", err)
		return
	}
	r.res.RecordPath = path
}
