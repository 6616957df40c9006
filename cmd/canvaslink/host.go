package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"canvaslink/internal/adapter/bridge"
	"canvaslink/internal/canvas"
	"canvaslink/internal/usecase/dispatch"
	"canvaslink/internal/usecase/eventbus"
	"canvaslink/internal/usecase/host"
)

func runHost() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Host.Channel == "" {
		return fmt.Errorf("host.channel must be set (config or CANVASLINK_CHANNEL)")
	}

	bus := eventbus.New(log)
	defer bus.Close()

	doc := canvas.NewDocument("untitled")
	registry := dispatch.NewRegistry()
	if err := canvas.Register(registry, doc, cfg.Host.Chunk); err != nil {
		return fmt.Errorf("commands: %w", err)
	}
	dispatcher := dispatch.NewDispatcher(registry, bus, log)

	conn := bridge.New(bridge.Config{
		URL:     cfg.Host.RelayURL,
		Token:   cfg.Host.Token,
		Breaker: cfg.Gateway.Breaker,
	}, log)

	runtime := host.New(conn, dispatcher, cfg.Host, bus, log)

	log.Info("host starting",
		"relay", cfg.Host.RelayURL,
		"channel", cfg.Host.Channel,
		"commands", len(registry.Names()),
		"read_only", cfg.Host.ReadOnly,
	)

	err = runtime.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
