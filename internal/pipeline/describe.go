package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/protocol"
)

const defaultDescribeTimeout = 2 * time.Second

// Describe asks the server component bound to role what it provides. Only
// uri components are asked; a component that does not answer within
// timeout yields ok=false rather than an error.
func (o *Orchestrator) Describe(ctx context.Context, role config.Role, timeout time.Duration) (_ protocol.Info, ok bool, err error) {
	c := o.pipeline.Component(role)
	if c == nil {
		return protocol.Info{}, false, fmt.Errorf("%w: %s is not configured", config.ErrConfig, role)
	}
	if c.URI == "" {
		return protocol.Info{}, false, nil
	}
	if timeout <= 0 {
		timeout = defaultDescribeTimeout
	}

	ctx, span := tracer.Start(ctx, "describe")
	defer func() { endSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := o.launcher.Launch(ctx, role, c)
	if err != nil {
		return protocol.Info{}, false, componentFailure(role, err)
	}
	defer s.Close()

	if err := s.WriteEvent(protocol.Describe{}.Event()); err != nil {
		return protocol.Info{}, false, componentFailure(role, err)
	}
	type answer struct {
		info protocol.Info
		ok   bool
		err  error
	}
	found := make(chan answer, 1)
	go func() {
		for {
			evt, err := s.ReadEvent()
			if err != nil {
				// Hanging up is as good as silence.
				found <- answer{}
				return
			}
			if evt.Type != protocol.TypeInfo {
				continue
			}
			msg, err := protocol.Parse(evt)
			if err != nil {
				found <- answer{err: componentFailure(role, fmt.Errorf("invalid info: %w", err))}
				return
			}
			found <- answer{info: msg.(protocol.Info), ok: true}
			return
		}
	}()

	select {
	case a := <-found:
		return a.info, a.ok, a.err
	case <-ctx.Done():
		// Silence is how components without describe support answer.
		return protocol.Info{}, false, nil
	}
}
