// Package gateway issues command envelopes through the relay and correlates
// response envelopes back to their callers by id. Timeouts are enforced
// client-side only: a fired timeout abandons the wait, it does not stop the
// host's execution, and the host's eventual late response is discarded.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
	"canvaslink/internal/infra/tracer"
)

const (
	defaultInvokeTimeout = 15 * time.Second
	joinAckTimeout       = 10 * time.Second
)

// Sender is the slice of the bridge the gateway writes through.
type Sender interface {
	Send(ctx context.Context, frame domain.Frame) error
}

// TimeoutPolicy resolves the client-side budget for a command. Budgets must
// exceed the host-side execution ceiling with margin, so chunked commands
// carry larger PerCommand entries than the default.
type TimeoutPolicy struct {
	Default    time.Duration
	PerCommand map[string]time.Duration
}

// For returns the budget for the named command.
func (p TimeoutPolicy) For(command string) time.Duration {
	if d, ok := p.PerCommand[command]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return defaultInvokeTimeout
}

// PolicyFromConfig builds the timeout policy from gateway configuration.
func PolicyFromConfig(cfg config.GatewayConfig) TimeoutPolicy {
	per := make(map[string]time.Duration, len(cfg.CommandTimeouts))
	for name, d := range cfg.CommandTimeouts {
		per[name] = d
	}
	return TimeoutPolicy{Default: cfg.DefaultTimeout, PerCommand: per}
}

// Gateway is the automation client: it sends command envelopes and awaits
// the matching response envelope for each. Any number of Invoke calls may be
// outstanding at once; correlation is strictly by id, never arrival order.
type Gateway struct {
	sender Sender
	policy TimeoutPolicy
	table  *pendingTable
	bus    domain.EventBus
	logger *slog.Logger

	joinMu   sync.Mutex
	joinWait chan domain.Frame
}

// New creates a Gateway. bus may be nil when nothing subscribes.
func New(sender Sender, policy TimeoutPolicy, bus domain.EventBus, logger *slog.Logger) *Gateway {
	return &Gateway{
		sender: sender,
		policy: policy,
		table:  newPendingTable(logger),
		bus:    bus,
		logger: logger,
	}
}

// Invoke sends a command and blocks until its response arrives or the
// command's timeout budget expires. Params must marshal to JSON; pass nil
// for commands without parameters.
func (g *Gateway) Invoke(ctx context.Context, command string, params any) (json.RawMessage, error) {
	return g.InvokeWithTimeout(ctx, command, params, g.policy.For(command))
}

// InvokeWithTimeout is Invoke with an explicit budget.
func (g *Gateway) InvokeWithTimeout(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.invoke")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("command", command))

	raw, err := marshalParams(params)
	if err != nil {
		return nil, domain.NewDomainError("Gateway.Invoke", domain.ErrInvalidInput, err.Error())
	}

	id := ulid.Make().String()
	p, err := g.table.add(id, command, timeout, func() {
		g.logger.Warn("command timed out", "id", id, "command", command, "timeout", timeout)
	})
	if err != nil {
		return nil, err
	}

	env := domain.CommandEnvelope{ID: id, Command: command, Params: raw}
	if err := g.sender.Send(ctx, domain.NewCommandFrame(env)); err != nil {
		g.table.settle(id, nil, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	g.logger.Debug("command sent", "id", id, "command", command, "timeout", timeout)

	select {
	case out := <-p.outcome:
		if out.err != nil {
			tracer.RecordError(span, out.err)
			return nil, out.err
		}
		tracer.SetOK(span)
		return out.result, nil
	case <-ctx.Done():
		g.table.settle(id, nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// Join sends the join control frame and waits for the relay's ack notify,
// returning the relay-assigned peer id. It requires the bridge read loop to
// be running, since the ack arrives through HandleFrame.
func (g *Gateway) Join(ctx context.Context, channel, peerName string) (string, error) {
	ack := make(chan domain.Frame, 1)

	g.joinMu.Lock()
	if g.joinWait != nil {
		g.joinMu.Unlock()
		return "", domain.NewDomainError("Gateway.Join", domain.ErrDuplicate, "join already in flight")
	}
	g.joinWait = ack
	g.joinMu.Unlock()

	defer func() {
		g.joinMu.Lock()
		g.joinWait = nil
		g.joinMu.Unlock()
	}()

	if err := g.sender.Send(ctx, domain.NewJoinFrame(channel, peerName)); err != nil {
		return "", err
	}

	timer := time.NewTimer(joinAckTimeout)
	defer timer.Stop()

	select {
	case f := <-ack:
		if f.Type == domain.FrameError {
			if f.Error != nil {
				return "", f.Error.Err("Gateway.Join")
			}
			return "", domain.NewDomainError("Gateway.Join", domain.ErrJoinAck, channel)
		}
		g.logger.Info("joined channel", "channel", f.Channel, "peer", f.Peer)
		return f.Peer, nil
	case <-timer.C:
		return "", domain.NewDomainError("Gateway.Join", domain.ErrJoinAck, channel)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleFrame is the bridge read-loop callback. Result and error frames
// settle the correlation table; notify frames are advisory and republished
// on the event bus.
func (g *Gateway) HandleFrame(ctx context.Context, frame domain.Frame) {
	switch frame.Type {
	case domain.FrameResult:
		g.table.settle(frame.ID, frame.Result, nil)

	case domain.FrameError:
		if frame.ID == "" {
			// Unsolicited error, a join rejection among them.
			g.deliverJoinAck(frame)
			return
		}
		err := error(domain.NewDomainError("Gateway.Invoke", domain.ErrTransport, "error frame without body"))
		if frame.Error != nil {
			err = frame.Error.Err("Gateway.Invoke")
		}
		g.table.settle(frame.ID, nil, err)

	case domain.FrameNotify:
		g.handleNotify(ctx, frame)

	default:
		g.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

// ConnLost settles every in-flight command with a transport error. The
// bridge owner calls it when the read loop exits.
func (g *Gateway) ConnLost(ctx context.Context, cause error) {
	detail := "connection lost"
	if cause != nil {
		detail = cause.Error()
	}
	n := g.table.failAll(domain.NewDomainError("Gateway.Invoke", domain.ErrConnClosed, detail))
	if n > 0 {
		g.logger.Warn("failed in-flight commands after connection loss", "count", n)
	}
	g.publish(ctx, domain.EventConnDown, "", map[string]string{"reason": detail})
}

// Pending reports how many commands are currently in flight.
func (g *Gateway) Pending() int { return g.table.len() }

func (g *Gateway) handleNotify(ctx context.Context, frame domain.Frame) {
	if frame.Progress != nil {
		u := frame.Progress
		g.logger.Debug("progress update",
			"id", u.CommandID,
			"status", u.Status,
			"progress", u.Progress,
			"processed", u.ProcessedItems,
			"total", u.TotalItems,
		)
		g.publish(ctx, domain.EventProgressUpdate, u.CommandID, u)
		return
	}

	switch frame.Notice {
	case "joined":
		g.deliverJoinAck(frame)
	case "peer-joined":
		g.logger.Info("peer joined channel", "channel", frame.Channel, "peer", frame.Peer)
		g.publish(ctx, domain.EventPeerJoined, "", frame)
	case "peer-left":
		g.logger.Info("peer left channel", "channel", frame.Channel, "peer", frame.Peer)
		g.publish(ctx, domain.EventPeerLeft, "", frame)
	default:
		g.logger.Debug("notify", "channel", frame.Channel, "peer", frame.Peer, "notice", frame.Notice)
	}
}

func (g *Gateway) deliverJoinAck(frame domain.Frame) {
	g.joinMu.Lock()
	ch := g.joinWait
	g.joinMu.Unlock()

	if ch == nil {
		g.logger.Debug("dropping unsolicited frame", "type", frame.Type, "notice", frame.Notice)
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

func (g *Gateway) publish(ctx context.Context, t domain.EventType, commandID string, payload any) {
	if g.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	g.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		CommandID: commandID,
		Payload:   raw,
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
