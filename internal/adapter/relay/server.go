package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
	"canvaslink/internal/infra/middleware"
)

const (
	// Upgrade attempts are limited separately from in-session frames.
	connectPerMin = 120
	connectBurst  = 30

	writeTimeout  = 5 * time.Second
	maxFrameBytes = 1 << 20 // command results can be large (full node scans)
)

// conn pairs a registered peer with its websocket.
type conn struct {
	p  *peer
	ws *websocket.Conn
}

// Server is the WebSocket relay. It never interprets command payloads: it
// peeks at the type discriminator, routes join frames to the registry, and
// forwards everything else opaquely within the sender's channel.
type Server struct {
	cfg       config.RelayConfig
	registry  *Registry
	auth      Authenticator
	bus       domain.EventBus
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr atomic.Value // string
	conns     sync.Map     // peer id -> *conn, including peers that never joined
}

// NewServer creates a relay server.
func NewServer(cfg config.RelayConfig, auth Authenticator, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(logger),
		auth:     auth,
		bus:      bus,
		logger:   logger,
	}
}

// Start begins accepting WebSocket connections. Blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	limit := middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
		RequestsPerMin: connectPerMin,
		BurstSize:      connectBurst,
		TrustedProxies: s.cfg.TrustedProxies,
	})
	mux.Handle("/ws", limit(http.HandlerFunc(s.handleUpgrade)))
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{Handler: middleware.SecurityHeaders(mux)}

	s.logger.Info("relay started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay serve: %w", err)
	}
	return nil
}

// Stop closes every connection and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.conns.Range(func(key, value any) bool {
		c := value.(*conn)
		c.p.close()
		c.ws.Close(websocket.StatusGoingAway, "relay shutting down")
		s.conns.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the address the listener bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Stats reports the current channel and joined-peer counts.
func (s *Server) Stats() (channels, peers int) {
	return s.registry.Stats()
}

// SweepIdle closes peers idle longer than maxIdle and reports how many were
// swept. The relay command wires this to the cron scheduler.
func (s *Server) SweepIdle(maxIdle time.Duration) int {
	idle := s.registry.IdlePeers(maxIdle)
	for _, p := range idle {
		channel, _ := s.registry.ChannelOf(p)
		s.logger.Info("sweeping idle peer", "peer", p.id, "name", p.name, "channel", channel)
		if v, ok := s.conns.Load(p.id); ok {
			v.(*conn).ws.Close(websocket.StatusGoingAway, "idle timeout")
		}
		p.close()
		s.bus.Publish(context.Background(), peerEvent(domain.EventPeerSwept, p, channel))
	}
	return len(idle)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	p := newPeer(uuid.NewString(), info.Name, info.Roles, s.cfg.SendBuffer)
	c := &conn{p: p, ws: ws}
	s.conns.Store(p.id, c)

	s.logger.Info("peer connected", "peer", p.id, "name", p.name)

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	// The read loop has exited: the peer is gone.
	if channel, ok := s.registry.Leave(p); ok {
		s.notifyChannel(channel, p, "peer-left")
		s.bus.Publish(context.Background(), peerEvent(domain.EventPeerLeft, p, channel))
	}
	p.close()
	s.conns.Delete(p.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("peer disconnected", "peer", p.id)
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.FramesPerMin)/60.0, s.cfg.FrameBurst)

	for {
		select {
		case <-c.p.done:
			return
		default:
		}

		msgType, raw, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.p.touch()

		if !limiter.Allow() {
			s.logger.Warn("frame rate limit exceeded", "peer", c.p.id)
			c.ws.Close(websocket.StatusPolicyViolation, "frame rate limit exceeded")
			return
		}

		// The relay peeks at the discriminator only; payloads stay opaque.
		var peek struct {
			Type    domain.FrameType `json:"type"`
			Channel string           `json:"channel"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			s.sendErrorFrame(c.p, domain.NewDomainError("Relay.Read", domain.ErrInvalidInput, "malformed frame"))
			continue
		}

		if peek.Type == domain.FrameJoin {
			s.handleJoin(c, peek.Channel)
			continue
		}

		if _, _, err := s.registry.Broadcast(c.p, raw); err != nil {
			s.sendErrorFrame(c.p, err)
		}
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.p.done:
			return
		case raw := <-c.p.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleJoin(c *conn, channel string) {
	if channel == "" {
		s.sendErrorFrame(c.p, domain.NewDomainError("Relay.Join", domain.ErrInvalidInput, "join frame missing channel"))
		return
	}

	fresh, err := s.registry.Join(c.p, channel)
	if err != nil {
		s.sendErrorFrame(c.p, err)
		return
	}

	// The ack carries the relay-assigned peer id. Re-joins are acked again
	// but not re-announced.
	s.sendFrame(c.p, domain.Frame{Type: domain.FrameNotify, Channel: channel, Peer: c.p.id, Notice: "joined"})
	if !fresh {
		return
	}

	s.notifyChannel(channel, c.p, "peer-joined")
	s.bus.Publish(context.Background(), peerEvent(domain.EventPeerJoined, c.p, channel))
	s.logger.Info("peer joined channel", "peer", c.p.id, "name", c.p.name, "channel", channel)
}

// notifyChannel sends a lifecycle notice about a peer to every other member
// of channel.
func (s *Server) notifyChannel(channel string, about *peer, notice string) {
	raw, err := json.Marshal(domain.Frame{
		Type:    domain.FrameNotify,
		Channel: channel,
		Peer:    about.id,
		Notice:  notice,
	})
	if err != nil {
		return
	}
	for _, m := range s.registry.Members(channel) {
		if m.id == about.id {
			continue
		}
		if !m.send(raw) {
			s.logger.Warn("dropped notify for slow peer", "peer", m.id)
		}
	}
}

func (s *Server) sendFrame(p *peer, frame domain.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal frame", "error", err)
		return
	}
	if !p.send(raw) {
		s.logger.Warn("dropped frame for slow peer", "peer", p.id)
	}
}

func (s *Server) sendErrorFrame(p *peer, err error) {
	s.sendFrame(p, domain.Frame{Type: domain.FrameError, Error: domain.NewWireError(err)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	channels, peers := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"channels": channels,
		"peers":    peers,
	})
}

func peerEvent(t domain.EventType, p *peer, channel string) domain.Event {
	payload, _ := json.Marshal(map[string]string{
		"peer":    p.id,
		"name":    p.name,
		"channel": channel,
	})
	return domain.Event{Type: t, Timestamp: time.Now(), Payload: payload}
}
