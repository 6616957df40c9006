package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"canvaslink/internal/adapter/bridge"
	"canvaslink/internal/adapter/mcpserver"
	"canvaslink/internal/canvas"
	"canvaslink/internal/usecase/eventbus"
	"canvaslink/internal/usecase/gateway"
)

func runMCP() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bus := eventbus.New(log)
	defer bus.Close()

	conn := bridge.New(bridge.Config{
		URL:     cfg.Gateway.RelayURL,
		Token:   cfg.Gateway.Token,
		Breaker: cfg.Gateway.Breaker,
	}, log)
	if err := conn.Dial(ctx); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer conn.Close()

	gw := gateway.New(conn, gateway.PolicyFromConfig(cfg.Gateway), bus, log)

	// The read loop must run before Join: the ack arrives through HandleFrame.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := conn.Run(gctx, gw.HandleFrame)
		gw.ConnLost(gctx, err)
		return err
	})

	if cfg.Gateway.Channel != "" {
		if _, err := gw.Join(gctx, cfg.Gateway.Channel, cfg.Gateway.PeerName); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("join %s: %w", cfg.Gateway.Channel, err)
		}
	}

	srv := mcpserver.New(gw, canvas.Specs(), cfg.Gateway.PeerName, log)
	g.Go(func() error {
		return srv.ServeStdio(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
