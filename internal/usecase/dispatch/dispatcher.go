// Package dispatch runs the host-side command state machine: received,
// validating, executing, settling. Every command envelope produces exactly
// one response envelope with the same id, no matter how the handler fails.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/tracer"
)

// Dispatcher routes command envelopes to registered handlers. A handler
// failure settles that one command; it never crashes the dispatch loop.
type Dispatcher struct {
	registry *Registry
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry. bus may be nil.
func NewDispatcher(registry *Registry, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, bus: bus, logger: logger}
}

// Dispatch executes one command envelope to completion and returns its
// response envelope. The handler is awaited, not raced: a budget overrun is
// surfaced only if the handler cooperates with its context, matching the
// single-threaded host model where nothing can preempt a running body.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *domain.Session, env domain.CommandEnvelope) domain.ResponseEnvelope {
	ctx, span := tracer.StartSpan(ctx, "dispatch.command")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("command", env.Command))

	d.logger.Debug("command received", "id", env.ID, "command", env.Command)
	d.publish(ctx, domain.EventCommandReceived, env.ID, map[string]string{"command": env.Command})

	ent, ok := d.registry.lookup(env.Command)
	if !ok {
		err := domain.NewDomainError("Dispatcher.Dispatch", domain.ErrUnknownCommand, env.Command)
		return d.settleError(ctx, span, env, err)
	}

	if err := ent.validate(env.Params); err != nil {
		return d.settleError(ctx, span, env, err)
	}

	if ent.desc.RequiresWrite && sess != nil && !sess.CanWrite() {
		err := domain.NewSubSystemError("dispatch", "Dispatcher.Dispatch",
			domain.ErrPermissionDenied, env.Command+" requires write access")
		return d.settleError(ctx, span, env, err)
	}

	result, err := d.execute(ctx, ent, sess, env)
	if err != nil {
		return d.settleError(ctx, span, env, err)
	}

	raw, err := marshalResult(result)
	if err != nil {
		err = domain.NewDomainError("Dispatcher.Dispatch", err, env.Command+" result not serializable")
		return d.settleError(ctx, span, env, err)
	}

	d.logger.Debug("command completed", "id", env.ID, "command", env.Command)
	d.publish(ctx, domain.EventCommandCompleted, env.ID, map[string]string{"command": env.Command})
	tracer.SetOK(span)
	return domain.ResponseEnvelope{ID: env.ID, Result: raw}
}

// execute runs the handler under the descriptor's budget with panic
// isolation.
func (d *Dispatcher) execute(ctx context.Context, ent *entry, sess *domain.Session, env domain.CommandEnvelope) (result any, err error) {
	timeout := ent.desc.Timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "command", ent.desc.Name, "panic", r)
			result = nil
			err = fmt.Errorf("%s: handler panic: %v", ent.desc.Name, r)
		}
	}()

	result, err = ent.desc.Handler(ctx, sess, env.Params)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = domain.NewSubSystemError("dispatch", "Dispatcher.Dispatch", domain.ErrTimeout,
			fmt.Sprintf("%s exceeded %s budget", ent.desc.Name, timeout))
	}
	return result, err
}

func (d *Dispatcher) settleError(ctx context.Context, span trace.Span, env domain.CommandEnvelope, err error) domain.ResponseEnvelope {
	d.logger.Warn("command failed", "id", env.ID, "command", env.Command, "error", err)
	tracer.RecordError(span, err)
	d.publish(ctx, domain.EventCommandFailed, env.ID, map[string]string{
		"command": env.Command,
		"error":   err.Error(),
	})
	return domain.ResponseEnvelope{ID: env.ID, Error: domain.NewWireError(err)}
}

func (d *Dispatcher) publish(ctx context.Context, t domain.EventType, commandID string, payload any) {
	if d.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	d.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		CommandID: commandID,
		Payload:   raw,
	})
}

func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
