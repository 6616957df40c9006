package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 5 * time.Second
	joinTimeout   = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// Default circuit breaker settings, used when config leaves them zero.
const (
	defaultMaxFailures uint32        = 5
	defaultCBTimeout   time.Duration = 30 * time.Second
	defaultCBInterval  time.Duration = 60 * time.Second
)

// FrameHandler receives every frame the read loop decodes. An alias so that
// callers can declare transport interfaces with the plain function type.
type FrameHandler = func(ctx context.Context, frame domain.Frame)

// Config holds bridge connection settings.
type Config struct {
	URL     string // relay base URL, ws:// or wss://
	Token   string // optional auth token, sent as a query param
	Breaker config.BreakerConfig
}

// Conn is the WebSocket client connection to the relay, shared by the
// gateway and the host runtime. Sends go through a circuit breaker so a dead
// relay fails fast instead of piling up write timeouts.
type Conn struct {
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu sync.Mutex
	ws *websocket.Conn
}

// New creates an unconnected bridge. Call Dial before Send, Join, or Run.
func New(cfg Config, logger *slog.Logger) *Conn {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "bridge:" + cfg.URL,
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Conn{cfg: cfg, logger: logger, breaker: cb}
}

// Dial establishes the websocket connection to the relay.
func (c *Conn) Dial(ctx context.Context) error {
	target, err := wsURL(c.cfg.URL, c.cfg.Token)
	if err != nil {
		return domain.NewDomainError("Bridge.Dial", domain.ErrInvalidInput, err.Error())
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return domain.NewDomainError("Bridge.Dial", domain.ErrTransport, err.Error())
	}
	ws.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	c.logger.Info("connected to relay", "url", c.cfg.URL)
	return nil
}

// Join performs the join handshake: it sends the join control frame and
// waits for the relay's ack, returning the relay-assigned peer id. Join must
// complete before Run starts; both read from the connection.
func (c *Conn) Join(ctx context.Context, channel, peerName string) (string, error) {
	if err := c.Send(ctx, domain.NewJoinFrame(channel, peerName)); err != nil {
		return "", err
	}

	ws := c.conn()
	readCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	for {
		var f domain.Frame
		if err := wsjson.Read(readCtx, ws, &f); err != nil {
			return "", domain.NewDomainError("Bridge.Join", domain.ErrJoinAck, err.Error())
		}
		switch {
		case f.Type == domain.FrameNotify && f.Notice == "joined":
			c.logger.Info("joined channel", "channel", f.Channel, "peer", f.Peer)
			return f.Peer, nil
		case f.Type == domain.FrameError && f.Error != nil:
			return "", f.Error.Err("Bridge.Join")
		default:
			// Unrelated frame before the ack; keep waiting.
		}
	}
}

// Send writes a frame through the circuit breaker. A full relay outage trips
// the breaker after consecutive failures and subsequent sends fail fast with
// ErrBreakerOpen.
func (c *Conn) Send(ctx context.Context, frame domain.Frame) error {
	ws := c.conn()
	if ws == nil {
		return domain.NewDomainError("Bridge.Send", domain.ErrConnClosed, "not connected")
	}

	_, err := c.breaker.Execute(func() (struct{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return struct{}{}, wsjson.Write(writeCtx, ws, frame)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewDomainError("Bridge.Send", domain.ErrBreakerOpen, c.cfg.URL)
		}
		return domain.NewDomainError("Bridge.Send", domain.ErrConnClosed, err.Error())
	}
	return nil
}

// Run reads frames until the context is cancelled or the connection drops,
// invoking onFrame for each. It returns the terminal error; callers decide
// whether to redial.
func (c *Conn) Run(ctx context.Context, onFrame FrameHandler) error {
	ws := c.conn()
	if ws == nil {
		return domain.NewDomainError("Bridge.Run", domain.ErrConnClosed, "not connected")
	}

	for {
		var frame domain.Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.NewDomainError("Bridge.Run", domain.ErrConnClosed, err.Error())
		}
		onFrame(ctx, frame)
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) conn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// wsURL builds the relay endpoint URL from the configured base.
func wsURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
