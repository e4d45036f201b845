package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/observability"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/transport"
)

func (r *run) execute(ctx context.Context) error {
	switch r.opts.StartAfter {
	case StageHandle:
		if r.o.pipeline.TTS == nil {
			return fmt.Errorf("%w: pipeline %q has no tts to speak with", config.ErrConfig, r.o.pipeline.Name)
		}
		r.res.Response = r.opts.Text
		return r.speak(ctx, r.opts.Text)
	case StageASR:
		r.res.Transcript = strings.TrimSpace(r.opts.Text)
		return r.understand(ctx, r.res.Transcript)
	}

	asr, done, err := r.capture(ctx)
	if err != nil || done {
		return err
	}
	text, err := r.transcribe(ctx, asr)
	if err != nil {
		return err
	}
	r.res.Transcript = text
	if text == "" {
		r.res.Outcome = OutcomeNoTranscript
		return nil
	}
	if r.opts.StopAfter == StageASR {
		r.res.Outcome = OutcomeTranscribed
		return nil
	}
	return r.understand(ctx, text)
}

func (r *run) transcribe(ctx context.Context, asr transport.Stream) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "transcribe")
	defer func() { endSpan(span, err) }()
	r.phase("transcribing")

	evt, err := r.await(ctx, config.RoleASR, asr, protocol.TypeTranscript)
	if err != nil {
		return "", err
	}
	_ = r.closeRoles(config.RoleASR)
	if !r.capturedAt.IsZero() {
		r.observePhase(observability.PhaseStopToTranscript, time.Since(r.capturedAt))
	}
	text := strings.TrimSpace(protocol.StringField(evt.Data, "text"))
	log.Info("transcript", "run_id", r.res.RunID, "chars", len(text))
	return text, nil
}

// understand walks a transcript through intent recognition and handling,
// then speaks the response.
func (r *run) understand(ctx context.Context, text string) error {
	p := r.o.pipeline
	started := time.Now()

	var intentEvt *protocol.Event
	if p.Intent != nil {
		evt, ok, err := r.recognize(ctx, text)
		if err != nil {
			return err
		}
		r.observePhase(observability.PhaseTranscriptToIntent, time.Since(started))
		if !ok {
			r.res.Outcome = OutcomeNotRecognized
			return nil
		}
		intentEvt = &evt
		if r.opts.StopAfter == StageIntent {
			r.res.Outcome = OutcomeRecognized
			return nil
		}
	}

	if p.Handle == nil || r.opts.StopAfter == StageIntent {
		r.res.Outcome = OutcomeTranscribed
		if intentEvt != nil {
			r.res.Outcome = OutcomeRecognized
		}
		return nil
	}

	handledAt := time.Now()
	response, ok, err := r.handle(ctx, text, intentEvt)
	if err != nil {
		return err
	}
	r.observePhase(observability.PhaseIntentToHandled, time.Since(handledAt))
	r.res.Response = response
	if !ok {
		r.res.Outcome = OutcomeNotHandled
		return nil
	}
	if r.opts.StopAfter == StageHandle || response == "" || p.TTS == nil {
		r.res.Outcome = OutcomeHandled
		return nil
	}
	return r.speak(ctx, response)
}

func (r *run) recognize(ctx context.Context, text string) (_ protocol.Event, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "recognize intent")
	defer func() { endSpan(span, err) }()
	r.phase("recognizing")

	s, err := r.start(ctx, config.RoleIntent)
	if err != nil {
		return protocol.Event{}, false, err
	}
	if err := r.send(config.RoleIntent, s, protocol.Recognize{Text: text}.Event()); err != nil {
		return protocol.Event{}, false, err
	}
	evt, err := r.await(ctx, config.RoleIntent, s, protocol.TypeIntent, protocol.TypeNotRecognized)
	if err != nil {
		return protocol.Event{}, false, err
	}
	_ = r.closeRoles(config.RoleIntent)
	if evt.Type == protocol.TypeNotRecognized {
		return evt, false, nil
	}

	msg, err := protocol.Parse(evt)
	if err != nil {
		return protocol.Event{}, false, componentFailure(config.RoleIntent, err)
	}
	intent := msg.(protocol.Intent)
	r.res.Intent = &intent
	span.SetAttributes(attribute.String("intent.name", intent.Name))
	return evt, true, nil
}

// handle sends the intent, or the bare transcript when there is no intent
// component, and returns the response text.
func (r *run) handle(ctx context.Context, text string, intentEvt *protocol.Event) (_ string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "handle")
	defer func() { endSpan(span, err) }()
	r.phase("handling")

	s, err := r.start(ctx, config.RoleHandle)
	if err != nil {
		return "", false, err
	}
	req := protocol.Transcript{Text: text}.Event()
	if intentEvt != nil {
		req = *intentEvt
	}
	if err := r.send(config.RoleHandle, s, req); err != nil {
		return "", false, err
	}
	evt, err := r.await(ctx, config.RoleHandle, s, protocol.TypeHandled, protocol.TypeNotHandled)
	if err != nil {
		return "", false, err
	}
	_ = r.closeRoles(config.RoleHandle)
	span.SetAttributes(attribute.String("handle.result", string(evt.Type)))
	return strings.TrimSpace(protocol.StringField(evt.Data, "text")), evt.Type == protocol.TypeHandled, nil
}

// speak synthesizes text and relays the audio to snd chunk by chunk, then
// waits for playback to finish.
func (r *run) speak(ctx context.Context, text string) (err error) {
	ctx, span := tracer.Start(ctx, "speak", trace.WithAttributes(attribute.Int("tts.chars", len(text))))
	defer func() { endSpan(span, err) }()
	r.phase("speaking")
	started := time.Now()

	tts, err := r.start(ctx, config.RoleTTS)
	if err != nil {
		return err
	}
	var snd transport.Stream
	if r.opts.StopAfter != StageTTS {
		if snd, err = r.start(ctx, config.RoleSnd); err != nil {
			return err
		}
	}

	if err := r.send(config.RoleTTS, tts, protocol.Synthesize{Text: text}.Event()); err != nil {
		return err
	}
	chunks := 0
	for {
		evt, err := r.await(ctx, config.RoleTTS, tts, protocol.TypeAudioStart, protocol.TypeAudioChunk, protocol.TypeAudioStop)
		if err != nil {
			return err
		}
		if evt.Type == protocol.TypeAudioChunk {
			chunks++
		}
		if snd != nil {
			if err := snd.WriteEvent(evt); err != nil {
				return componentFailure(config.RoleSnd, fmt.Errorf("write %s: %w", evt.Type, err))
			}
			r.o.metrics.ObserveEvent("out", string(evt.Type))
		}
		if evt.Type == protocol.TypeAudioStop {
			break
		}
	}
	_ = r.closeRoles(config.RoleTTS)
	span.SetAttributes(attribute.Int("tts.chunks", chunks))

	if snd == nil {
		r.res.Outcome = OutcomeSynthesized
		return nil
	}
	if _, err := r.await(ctx, config.RoleSnd, snd, protocol.TypePlayed); err != nil {
		return err
	}
	r.observePhase(observability.PhaseHandledToPlayed, time.Since(started))
	r.res.Outcome = OutcomePlayed
	return nil
}
