// Package pipeline drives one voice pipeline: it waits for the wake word,
// captures a command, and walks the transcript through intent recognition,
// handling, synthesis and playback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/history"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/observability"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/session"
	"github.com/ent0n29/voxpipe/internal/transport"
)

const (
	defaultReadTimeout = 30 * time.Second
	historySaveTimeout = 2 * time.Second
	// defaultVADTimeout matches the segmenter's default timeout.
	defaultVADTimeout = 15 * time.Second
)

// Launcher starts the component configured for one role. Closing the
// returned stream must terminate and await the component.
type Launcher interface {
	Launch(ctx context.Context, role config.Role, c *config.Component) (transport.Stream, error)
}

// Outcome is how an iteration ended. Everything except OutcomeFailed and
// OutcomeCancelled is a normal result.
type Outcome string

const (
	OutcomeNotDetected   Outcome = "not_detected"
	OutcomeDetected      Outcome = "detected"
	OutcomeNoTranscript  Outcome = "no_transcript"
	OutcomeTranscribed   Outcome = "transcribed"
	OutcomeNotRecognized Outcome = "not_recognized"
	OutcomeRecognized    Outcome = "recognized"
	OutcomeNotHandled    Outcome = "not_handled"
	OutcomeHandled       Outcome = "handled"
	OutcomeSynthesized   Outcome = "synthesized"
	OutcomePlayed        Outcome = "played"
	OutcomeFailed        Outcome = "failed"
	OutcomeCancelled     Outcome = "cancelled"
)

// Stage names a point an iteration can start after or stop after.
type Stage string

const (
	StageNone   Stage = ""
	StageWake   Stage = "wake"
	StageASR    Stage = "asr"
	StageIntent Stage = "intent"
	StageHandle Stage = "handle"
	StageTTS    Stage = "tts"
)

// RunOptions bends a single iteration.
type RunOptions struct {
	// StartAfter skips stages. StageWake starts capture without waiting
	// for the wake word; StageASR treats Text as the transcript; StageHandle
	// speaks Text.
	StartAfter Stage
	// StopAfter ends the iteration once the named stage produced its result.
	StopAfter Stage
	Text      string
}

func (o RunOptions) validate() error {
	switch o.StartAfter {
	case StageNone, StageWake:
	case StageASR, StageHandle:
		if o.Text == "" {
			return fmt.Errorf("%w: starting after %s needs text", config.ErrConfig, o.StartAfter)
		}
	default:
		return fmt.Errorf("%w: cannot start after %q", config.ErrConfig, o.StartAfter)
	}
	switch o.StopAfter {
	case StageNone, StageWake, StageASR, StageIntent, StageHandle, StageTTS:
	default:
		return fmt.Errorf("%w: cannot stop after %q", config.ErrConfig, o.StopAfter)
	}
	return nil
}

// Result is what one iteration produced.
type Result struct {
	RunID      string
	Outcome    Outcome
	WakeWord   string
	Transcript string
	Intent     *protocol.Intent
	Response   string
	// VoiceTimeout is set when the vad gave up instead of hearing silence.
	VoiceTimeout bool
	// RecordPath is the WAV file of the captured command, if recorded.
	RecordPath string
	Duration   time.Duration
}

type Options struct {
	Pipeline config.Pipeline
	Launcher Launcher
	// ReadTimeout bounds every post-capture read from a component.
	ReadTimeout time.Duration
	// MaxCommand cuts off a command the vad never ends. Zero means the
	// segmenter's default timeout plus ReadTimeout.
	MaxCommand        time.Duration
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
	// RecordDir, when set, receives a WAV file per captured command.
	RecordDir string
	Metrics   *observability.Metrics
	Runs      *session.Manager
	History   history.Store
}

// Orchestrator runs iterations of one pipeline. Iterations do not overlap.
type Orchestrator struct {
	pipeline          config.Pipeline
	launcher          Launcher
	readTimeout       time.Duration
	maxCommand        time.Duration
	restartBackoff    time.Duration
	restartBackoffMax time.Duration
	recordDir         string
	metrics           *observability.Metrics
	runs              *session.Manager
	history           history.Store

	mu sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("%w: pipeline needs a launcher", config.ErrConfig)
	}
	if err := opts.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.MaxCommand <= 0 {
		opts.MaxCommand = defaultVADTimeout + opts.ReadTimeout
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 500 * time.Millisecond
	}
	if opts.RestartBackoffMax < opts.RestartBackoff {
		opts.RestartBackoffMax = 30 * time.Second
	}
	opts.Metrics.SetBudget(opts.Pipeline.Name, observability.Budget{Read: opts.ReadTimeout, Command: opts.MaxCommand})
	return &Orchestrator{
		pipeline:          opts.Pipeline,
		launcher:          opts.Launcher,
		readTimeout:       opts.ReadTimeout,
		maxCommand:        opts.MaxCommand,
		restartBackoff:    opts.RestartBackoff,
		restartBackoffMax: opts.RestartBackoffMax,
		recordDir:         opts.RecordDir,
		metrics:           opts.Metrics,
		runs:              opts.Runs,
		history:           opts.History,
	}, nil
}

func (o *Orchestrator) Pipeline() config.Pipeline { return o.pipeline }

// RunOnce performs one iteration. Every component started for it is closed
// and awaited before RunOnce returns, whatever the outcome.
func (o *Orchestrator) RunOnce(ctx context.Context, opts RunOptions) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	started := time.Now()
	r := &run{
		o:     o,
		opts:  opts,
		comps: make(map[config.Role]transport.Stream),
	}
	if o.runs != nil {
		r.res.RunID = o.runs.Create(o.pipeline.Name).ID
	}

	ctx, span := tracer.Start(ctx, "pipeline iteration", trace.WithAttributes(
		attribute.String("pipeline.name", o.pipeline.Name),
		attribute.String("pipeline.run_id", r.res.RunID),
	))
	err := r.execute(ctx)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if cerr := r.closeAll(); cerr != nil {
		log.Debug("closing components", "pipeline", o.pipeline.Name, "err", cerr)
	}

	res := r.res
	res.Duration = time.Since(started)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeCancelled
	default:
		res.Outcome = OutcomeFailed
	}
	span.SetAttributes(attribute.String("pipeline.outcome", string(res.Outcome)))
	endSpan(span, err)

	o.finish(ctx, res, err)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, res Result, err error) {
	o.metrics.ObserveIteration(o.pipeline.Name, string(res.Outcome))
	o.metrics.ObservePhase(o.pipeline.Name, observability.PhaseIterationTotal, res.Duration)

	if o.runs != nil && res.RunID != "" {
		if _, ferr := o.runs.Finish(res.RunID, session.Result{Outcome: string(res.Outcome), Transcript: res.Transcript, Err: err}); ferr != nil {
			log.Debug("finish run", "run_id", res.RunID, "err", ferr)
		}
	}
	if o.history == nil || res.Outcome == OutcomeNotDetected {
		return
	}
	rec := history.RunRecord{
		ID:         res.RunID,
		Pipeline:   o.pipeline.Name,
		Outcome:    string(res.Outcome),
		Transcript: res.Transcript,
		Response:   res.Response,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Intent != nil {
		rec.Intent = res.Intent.Name
	}
	if err != nil {
		rec.Error = err.Error()
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historySaveTimeout)
	defer cancel()
	if serr := o.history.SaveRun(saveCtx, rec); serr != nil {
		log.Warn("save run history failed", "run_id", res.RunID, "err", serr)
	}
}

// run is the state of one iteration.
type run struct {
	o    *Orchestrator
	opts RunOptions
	res  Result

	capturedAt time.Time

	mu    sync.Mutex
	comps map[config.Role]transport.Stream
}

func (r *run) phase(name string) {
	if r.o.runs == nil || r.res.RunID == "" {
		return
	}
	_ = r.o.runs.SetPhase(r.res.RunID, name)
}

// start launches the component for role once per iteration. It returns a
// nil stream for an unconfigured role.
func (r *run) start(ctx context.Context, role config.Role) (transport.Stream, error) {
	c := r.o.pipeline.Component(role)
	if c == nil {
		return nil, nil
	}
	r.mu.Lock()
	s, ok := r.comps[role]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := r.o.launcher.Launch(ctx, role, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, config.ErrConfig) {
			return nil, err
		}
		return nil, componentFailure(role, err)
	}
	r.mu.Lock()
	r.comps[role] = s
	r.mu.Unlock()
	return s, nil
}

// closeRoles closes the named components concurrently and forgets them.
func (r *run) closeRoles(roles ...config.Role) error {
	var g errgroup.Group
	r.mu.Lock()
	for _, role := range roles {
		s, ok := r.comps[role]
		if !ok {
			continue
		}
		delete(r.comps, role)
		g.Go(s.Close)
	}
	r.mu.Unlock()
	return g.Wait()
}

func (r *run) closeAll() error {
	return r.closeRoles(config.Roles...)
}

func (r *run) observePhase(phase string, d time.Duration) {
	r.o.metrics.ObservePhase(r.o.pipeline.Name, phase, d)
}

func (r *run) observeIndicator(name string) {
	r.o.metrics.ObserveIndicator(r.o.pipeline.Name, name)
}

func (r *run) send(role config.Role, s transport.Stream, evt protocol.Event) error {
	if err := s.WriteEvent(evt); err != nil {
		return componentFailure(role, fmt.Errorf("write %s: %w", evt.Type, err))
	}
	r.o.metrics.ObserveEvent("out", string(evt.Type))
	return nil
}

type readResult struct {
	evt protocol.Event
	err error
}

// read waits up to the read timeout for the next event from s. On timeout
// the component is closed.
func (r *run) read(ctx context.Context, role config.Role, s transport.Stream) (protocol.Event, error) {
	ch := make(chan readResult, 1)
	go func() {
		evt, err := s.ReadEvent()
		ch <- readResult{evt: evt, err: err}
	}()

	timer := time.NewTimer(r.o.readTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return protocol.Event{}, componentFailure(role, fmt.Errorf("read: %w", res.err))
		}
		r.o.metrics.ObserveEvent("in", string(res.evt.Type))
		return res.evt, nil
	case <-timer.C:
		r.o.metrics.ObserveComponentFailure(string(role), "timeout")
		_ = r.closeRoles(role)
		return protocol.Event{}, componentFailure(role, ErrReadTimeout)
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

// await reads from s until one of the wanted types arrives. Error events
// abort the iteration; anything else is skipped.
func (r *run) await(ctx context.Context, role config.Role, s transport.Stream, want ...protocol.Type) (protocol.Event, error) {
	for {
		evt, err := r.read(ctx, role, s)
		if err != nil {
			return protocol.Event{}, err
		}
		for _, t := range want {
			if evt.Type == t {
				return evt, nil
			}
		}
		if evt.Type == protocol.TypeError {
			return protocol.Event{}, errorEvent(role, evt)
		}
		log.Debug("skipping event", "role", role, "type", evt.Type)
	}
}

func errorEvent(role config.Role, evt protocol.Event) error {
	return &ComponentError{
		Role: role,
		Code: protocol.StringField(evt.Data, "code"),
		Text: protocol.StringField(evt.Data, "text"),
	}
}
