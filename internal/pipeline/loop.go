package pipeline

import (
	"context"
	"time"

	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/reliability"
)

// Loop runs iterations until ctx ends or an iteration fails in a way a
// fresh start cannot fix. Component failures restart after an exponential
// backoff that resets on the next clean iteration.
func (o *Orchestrator) Loop(ctx context.Context, opts RunOptions) error {
	failures := 0
	for {
		res, err := o.RunOnce(ctx, opts)
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		switch reliability.Classify(err) {
		case reliability.ClassNone:
			failures = 0
			log.Info("iteration finished",
				"pipeline", o.pipeline.Name,
				"run_id", res.RunID,
				"outcome", res.Outcome,
				"transcript_chars", len(res.Transcript),
				"duration_ms", res.Duration.Milliseconds(),
			)
			// A mic that ends at once would otherwise spin.
			if res.Outcome == OutcomeNotDetected && res.Duration < o.restartBackoff {
				delay = o.restartBackoff
			}
		case reliability.ClassCancelled:
			return nil
		case reliability.ClassFatal:
			return err
		default:
			delay = reliability.ExponentialBackoff(failures, o.restartBackoff, o.restartBackoffMax)
			failures++
			log.Warn("iteration failed, restarting",
				"pipeline", o.pipeline.Name,
				"run_id", res.RunID,
				"err", err,
				"attempt", failures,
				"backoff_ms", delay.Milliseconds(),
			)
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
