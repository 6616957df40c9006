package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"canvaslink/internal/adapter/relay"
	"canvaslink/internal/usecase/eventbus"
	"canvaslink/internal/usecase/scheduling"
)

func runRelay() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bus := eventbus.New(log)
	defer bus.Close()

	srv := relay.NewServer(cfg.Relay, relay.AuthFromConfig(cfg.Relay.Auth), bus, log)

	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionIdleSweep, func(context.Context) error {
		srv.SweepIdle(cfg.Relay.IdleTimeout)
		return nil
	})
	sched.RegisterAction(scheduling.ActionStatsLog, func(context.Context) error {
		channels, peers := srv.Stats()
		log.Info("relay occupancy", "channels", channels, "peers", peers)
		return nil
	})

	if err := sched.AddTask(scheduling.ScheduledTask{
		Name:     "idle-sweep",
		Schedule: cfg.Relay.SweepSchedule,
		Action:   scheduling.ActionIdleSweep,
	}); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if cfg.Relay.StatsSchedule != "" {
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "stats",
			Schedule: cfg.Relay.StatsSchedule,
			Action:   scheduling.ActionStatsLog,
		}); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	err = srv.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
