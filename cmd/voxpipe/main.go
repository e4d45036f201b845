package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/history"
	"github.com/ent0n29/voxpipe/internal/httpapi"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/observability"
	"github.com/ent0n29/voxpipe/internal/pipeline"
	"github.com/ent0n29/voxpipe/internal/session"
	"github.com/ent0n29/voxpipe/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Error("config error", "err", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error("voxpipe stopped", "err", err)
		if errors.Is(err, config.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	doc, err := config.LoadDocument(cfg.ConfigPath)
	if err != nil {
		return err
	}
	p, err := doc.Resolve(cfg.PipelineName)
	if err != nil {
		return err
	}
	if cfg.MicBufferChunks >= 0 {
		p.MicBufferChunks = cfg.MicBufferChunks
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var store history.Store
	store, err = history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.HistoryRedactPII {
		store = history.NewRedacting(store)
	}

	runs := session.NewManager(cfg.RunRetention)
	runs.SetExpireHook(func(r *session.Run) {
		log.Debug("run evicted", "run_id", r.ID, "outcome", r.Outcome)
	})
	runs.StartJanitor(ctx, 30*time.Second)

	sup := supervisor.New(supervisor.Options{StopGrace: cfg.StopGrace, Metrics: metrics})
	defer func() {
		if err := sup.Close(); err != nil {
			log.Warn("supervisor close failed", "err", err)
		}
	}()

	orch, err := pipeline.New(pipeline.Options{
		Pipeline:          p,
		Launcher:          sup,
		ReadTimeout:       cfg.ReadTimeout,
		MaxCommand:        cfg.MaxCommand,
		RestartBackoff:    cfg.RestartBackoff,
		RestartBackoffMax: cfg.RestartBackoffMax,
		RecordDir:         cfg.RecordDir,
		Metrics:           metrics,
		Runs:              runs,
		History:           store,
	})
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.BindAddr != "" {
		api := httpapi.New(httpapi.Options{
			Config:   cfg,
			Runs:     runs,
			History:  store,
			Pipeline: orch,
			Metrics:  metrics,
		})
		httpServer = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("ops server listening", "addr", cfg.BindAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server failed", "err", err)
			}
		}()
	}

	log.Info("pipeline starting", "pipeline", p.Name, "loop", cfg.Loop, "mic_buffer_chunks", p.MicBufferChunks)
	if cfg.Loop {
		err = orch.Loop(ctx, pipeline.RunOptions{})
	} else {
		var res pipeline.Result
		res, err = orch.RunOnce(ctx, pipeline.RunOptions{})
		log.Info("iteration finished",
			"run_id", res.RunID,
			"outcome", res.Outcome,
			"wake_word", res.WakeWord,
			"transcript", res.Transcript,
			"response", res.Response,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if ctx.Err() != nil {
		log.Info("shutdown signal received")
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			log.Warn("graceful shutdown failed", "err", serr)
			_ = httpServer.Close()
		}
	}
	log.Info("shutdown complete")
	return err
}
