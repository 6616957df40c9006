// Package host drives the command side of a channel: one peer that joins,
// receives command frames, executes them strictly one at a time, and writes
// result, error, and progress frames back.
//
// The loop is deliberately single-threaded. Long commands stay responsive by
// chunking their work and yielding, not by preemption, so handlers can touch
// shared state without further locking.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
	"canvaslink/internal/usecase/dispatch"
	"canvaslink/internal/usecase/gateway"
	"canvaslink/internal/usecase/progress"
)

const (
	defaultQueueSize = 32

	// Redial backoff for lost relay connections.
	redialAttempts  = 5
	redialBaseDelay = time.Second
	redialMaxDelay  = 30 * time.Second
)

// Link is the relay connection the runtime drives. *bridge.Conn satisfies it.
type Link interface {
	Dial(ctx context.Context) error
	Join(ctx context.Context, channel, peerName string) (string, error)
	Send(ctx context.Context, frame domain.Frame) error
	Run(ctx context.Context, onFrame func(context.Context, domain.Frame)) error
	Close() error
}

// Runtime owns the host loop: frames in from the link, envelopes through the
// dispatcher, frames out. Commands queue while one executes; the queue
// survives reconnects so accepted work is not dropped with the connection.
type Runtime struct {
	link       Link
	dispatcher *dispatch.Dispatcher
	cfg        config.HostConfig
	bus        domain.EventBus
	logger     *slog.Logger
	queue      chan domain.CommandEnvelope
	redial     gateway.RetryPolicy
}

// New creates a host runtime. The dispatcher carries the registered command
// set; bus may be nil.
func New(link Link, dispatcher *dispatch.Dispatcher, cfg config.HostConfig, bus domain.EventBus, logger *slog.Logger) *Runtime {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Runtime{
		link:       link,
		dispatcher: dispatcher,
		cfg:        cfg,
		bus:        bus,
		logger:     logger,
		queue:      make(chan domain.CommandEnvelope, size),
		redial: gateway.RetryPolicy{
			MaxAttempts: redialAttempts,
			BaseDelay:   redialBaseDelay,
			MaxDelay:    redialMaxDelay,
			Logger:      logger,
		},
	}
}

// Run connects, joins the configured channel, and serves commands until ctx
// is cancelled or the relay stays unreachable through the redial budget.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.link.Close()

	for {
		sess, err := r.connect(ctx)
		if err != nil {
			return err
		}

		serveCtx, stop := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.serve(serveCtx, sess)
		}()

		err = r.link.Run(ctx, r.onFrame)
		stop()
		wg.Wait()
		r.publish(ctx, domain.EventConnDown, "", map[string]string{"channel": r.cfg.Channel})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("relay connection lost", "error", err)
		_ = r.link.Close()
	}
}

// connect dials and joins, retrying transport failures with backoff. Returns
// the session handlers will see; its ReadOnly flag comes from config, the
// peer id from the relay's ack.
func (r *Runtime) connect(ctx context.Context) (*domain.Session, error) {
	peer, err := gateway.RetryIdempotent(ctx, r.redial, func(ctx context.Context) (string, error) {
		if err := r.link.Dial(ctx); err != nil {
			return "", err
		}
		peer, err := r.link.Join(ctx, r.cfg.Channel, r.cfg.PeerName)
		if err != nil {
			_ = r.link.Close()
			return "", err
		}
		return peer, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	r.logger.Info("joined channel",
		"channel", r.cfg.Channel,
		"peer", peer,
		"read_only", r.cfg.ReadOnly,
	)
	r.publish(ctx, domain.EventConnUp, "", map[string]string{"peer": peer, "channel": r.cfg.Channel})

	return &domain.Session{
		Peer:        peer,
		Channel:     r.cfg.Channel,
		ReadOnly:    r.cfg.ReadOnly,
		ConnectedAt: time.Now(),
	}, nil
}

// onFrame runs on the link's read loop. It must not block: commands go to the
// queue, everything else is handled inline.
func (r *Runtime) onFrame(ctx context.Context, frame domain.Frame) {
	switch frame.Type {
	case domain.FrameCommand:
		env, ok := frame.CommandEnvelope()
		if !ok || env.ID == "" {
			r.logger.Debug("dropping malformed command frame")
			return
		}
		select {
		case r.queue <- env:
			r.logger.Debug("command queued", "id", env.ID, "command", env.Command)
		default:
			r.logger.Warn("command queue full, refusing", "id", env.ID, "command", env.Command)
			err := domain.NewDomainError("Host.enqueue", domain.ErrLimitReached, "command queue full")
			r.send(ctx, domain.NewErrorFrame(env.ID, err))
		}
	case domain.FrameNotify:
		r.logger.Debug("relay notice", "notice", frame.Notice, "peer", frame.Peer)
	default:
		// Result and error frames belong to the automation side of the
		// channel; a host only answers.
		r.logger.Debug("ignoring frame", "type", frame.Type, "id", frame.ID)
	}
}

// serve executes queued commands one at a time.
func (r *Runtime) serve(ctx context.Context, sess *domain.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.queue:
			r.execute(ctx, sess, env)
		}
	}
}

// execute runs one envelope through the dispatcher and writes its response
// frame. Progress frames go out through the reporter sink in emit order,
// always before the response that settles the command.
func (r *Runtime) execute(ctx context.Context, sess *domain.Session, env domain.CommandEnvelope) {
	sink := func(u domain.ProgressUpdate) {
		r.send(ctx, domain.NewProgressFrame(u))
	}
	rep := progress.NewReporter(env.ID, env.Command, sink, r.bus, r.logger)

	resp := r.dispatcher.Dispatch(progress.NewContext(ctx, rep), sess, env)

	var frame domain.Frame
	if resp.Error != nil {
		frame = domain.Frame{Type: domain.FrameError, ID: resp.ID, Error: resp.Error}
	} else {
		frame = domain.NewResultFrame(resp.ID, resp.Result)
	}
	r.send(ctx, frame)
}

// send writes a frame and logs failures. A response lost to a dead connection
// is abandoned; the caller's timeout covers it.
func (r *Runtime) send(ctx context.Context, frame domain.Frame) {
	if err := r.link.Send(ctx, frame); err != nil {
		r.logger.Warn("frame send failed",
			"type", string(frame.Type),
			"id", frame.ID,
			"error", err,
		)
	}
}

func (r *Runtime) publish(ctx context.Context, eventType domain.EventType, commandID string, payload any) {
	if r.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		CommandID: commandID,
		Payload:   raw,
	})
}

// Queued reports how many accepted commands are waiting to execute.
func (r *Runtime) Queued() int {
	return len(r.queue)
}
