package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/log"
	"github.com/ent0n29/voxpipe/internal/transport"
	"github.com/ent0n29/voxpipe/internal/vad"
)

// voxpipe-vad speaks the event protocol on stdin/stdout, or serves VAD_URI
// when it is set.
func main() {
	cfg, err := config.LoadVAD()
	if err != nil {
		log.Error("config error", "err", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error("voxpipe-vad stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.VADConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := vad.NewAdapter(vad.NewEnergyDetector(cfg.EnergyThreshold), vad.SegmenterConfig{
		Speech:  cfg.Speech,
		Silence: cfg.Silence,
		Timeout: cfg.Timeout,
		Reset:   cfg.Reset,
	})
	if err != nil {
		return err
	}

	if cfg.URI == "" {
		log.Debug("vad serving stdio")
		return adapter.Serve(ctx, transport.Stdio())
	}

	ln, err := transport.Listen(cfg.URI)
	if err != nil {
		return err
	}
	log.Info("vad listening", "uri", ln.URI())
	if err := ln.Serve(ctx, adapter.Handle); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
