package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
)

// --- test doubles ---

type nopBus struct{}

func (nopBus) Publish(context.Context, domain.Event)                  {}
func (nopBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (nopBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (nopBus) Close()                                                 {}

type recordBus struct {
	nopBus
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- helpers ---

func testRelayConfig() config.RelayConfig {
	cfg := config.Defaults().Relay
	cfg.Addr = "127.0.0.1:0"
	return cfg
}

func startTestServer(t *testing.T, cfg config.RelayConfig, auth Authenticator, bus domain.EventBus) *Server {
	t.Helper()
	if auth == nil {
		auth = NoAuth{}
	}
	if bus == nil {
		bus = nopBus{}
	}
	srv := NewServer(cfg, auth, bus, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = srv.Start(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws://" + addr + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(maxFrameBytes)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) domain.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var f domain.Frame
	if err := wsjson.Read(ctx, ws, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f domain.Frame) {
	t.Helper()
	if err := wsjson.Write(context.Background(), ws, f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// joinChannel performs the join handshake and returns the assigned peer id.
func joinChannel(t *testing.T, ws *websocket.Conn, channel string) string {
	t.Helper()
	writeFrame(t, ws, domain.NewJoinFrame(channel, "tester"))
	ack := readFrame(t, ws)
	if ack.Type != domain.FrameNotify || ack.Notice != "joined" {
		t.Fatalf("unexpected join ack: %+v", ack)
	}
	if ack.Channel != channel {
		t.Fatalf("ack channel = %q, want %q", ack.Channel, channel)
	}
	if ack.Peer == "" {
		t.Fatal("ack missing assigned peer id")
	}
	return ack.Peer
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)
	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
}

func TestHealthz(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)

	resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Channels int    `json:"channels"`
		Peers    int    `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("security headers missing, X-Content-Type-Options = %q", got)
	}
}

func TestStaticAuthRejectsBadToken(t *testing.T) {
	cfg := testRelayConfig()
	cfg.Auth = config.AuthConfig{
		Type:   "static",
		Tokens: []config.TokenConfig{{Token: "good-token", Name: "ci"}},
	}
	srv := startTestServer(t, cfg, AuthFromConfig(cfg.Auth), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestStaticAuthAcceptsGoodToken(t *testing.T) {
	cfg := testRelayConfig()
	cfg.Auth = config.AuthConfig{
		Type:   "static",
		Tokens: []config.TokenConfig{{Token: "good-token", Name: "ci"}},
	}
	srv := startTestServer(t, cfg, AuthFromConfig(cfg.Auth), nil)

	ws := dialWS(t, srv.BoundAddr(), "good-token")
	joinChannel(t, ws, "design")
}

func TestJoinAckCarriesPeerID(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)
	ws := dialWS(t, srv.BoundAddr(), "")

	peerID := joinChannel(t, ws, "design")
	if peerID == "" {
		t.Fatal("expected assigned peer id")
	}
}

func TestFrameBeforeJoinRejected(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)
	ws := dialWS(t, srv.BoundAddr(), "")

	writeFrame(t, ws, domain.Frame{Type: domain.FrameCommand, ID: "01X", Command: "ping"})

	f := readFrame(t, ws)
	if f.Type != domain.FrameError {
		t.Fatalf("type = %q, want error", f.Type)
	}
	if f.Error == nil || f.Error.Code != domain.CodeNotJoined {
		t.Errorf("error = %+v, want code NOT_JOINED", f.Error)
	}
}

func TestBroadcastBetweenPeers(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)

	sender := dialWS(t, srv.BoundAddr(), "")
	receiver := dialWS(t, srv.BoundAddr(), "")

	joinChannel(t, sender, "design")
	joinChannel(t, receiver, "design")

	// The sender sees the receiver's arrival.
	note := readFrame(t, sender)
	if note.Notice != "peer-joined" {
		t.Fatalf("expected peer-joined notify, got %+v", note)
	}

	writeFrame(t, sender, domain.Frame{
		Type:    domain.FrameCommand,
		ID:      "01HV5K",
		Command: "ping",
		Params:  json.RawMessage(`{}`),
	})

	got := readFrame(t, receiver)
	if got.Type != domain.FrameCommand || got.ID != "01HV5K" || got.Command != "ping" {
		t.Errorf("forwarded frame = %+v", got)
	}

	// The sender must not receive an echo of its own frame.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var echo domain.Frame
	if err := wsjson.Read(ctx, sender, &echo); err == nil {
		t.Errorf("sender received unexpected frame: %+v", echo)
	}
}

func TestChannelIsolation(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)

	design := dialWS(t, srv.BoundAddr(), "")
	review := dialWS(t, srv.BoundAddr(), "")

	joinChannel(t, design, "design")
	joinChannel(t, review, "review")

	writeFrame(t, design, domain.Frame{Type: domain.FrameCommand, ID: "01A", Command: "ping"})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var leaked domain.Frame
	if err := wsjson.Read(ctx, review, &leaked); err == nil {
		t.Errorf("frame crossed channels: %+v", leaked)
	}
}

func TestJoinSecondChannelRejected(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)
	ws := dialWS(t, srv.BoundAddr(), "")

	joinChannel(t, ws, "design")
	writeFrame(t, ws, domain.NewJoinFrame("review", "tester"))

	f := readFrame(t, ws)
	if f.Type != domain.FrameError {
		t.Fatalf("type = %q, want error", f.Type)
	}
	if f.Error == nil || f.Error.Code != domain.CodeAlreadyJoined {
		t.Errorf("error = %+v, want code ALREADY_JOINED", f.Error)
	}
}

func TestRejoinSameChannelAckedAgain(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)
	ws := dialWS(t, srv.BoundAddr(), "")

	first := joinChannel(t, ws, "design")
	second := joinChannel(t, ws, "design")
	if first != second {
		t.Errorf("peer id changed across re-join: %q vs %q", first, second)
	}
}

func TestPeerLeftNotify(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)

	watcher := dialWS(t, srv.BoundAddr(), "")
	joinChannel(t, watcher, "design")

	leaver := dialWS(t, srv.BoundAddr(), "")
	leaverID := joinChannel(t, leaver, "design")

	note := readFrame(t, watcher)
	if note.Notice != "peer-joined" || note.Peer != leaverID {
		t.Fatalf("expected peer-joined for %s, got %+v", leaverID, note)
	}

	leaver.Close(websocket.StatusNormalClosure, "bye")

	note = readFrame(t, watcher)
	if note.Notice != "peer-left" || note.Peer != leaverID {
		t.Errorf("expected peer-left for %s, got %+v", leaverID, note)
	}
}

func TestPeerEventsPublished(t *testing.T) {
	bus := &recordBus{}
	srv := startTestServer(t, testRelayConfig(), nil, bus)

	ws := dialWS(t, srv.BoundAddr(), "")
	joinChannel(t, ws, "design")

	deadline := time.Now().Add(2 * time.Second)
	for len(bus.byType(domain.EventPeerJoined)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("EventPeerJoined never published")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFrameRateLimitClosesPeer(t *testing.T) {
	cfg := testRelayConfig()
	cfg.FramesPerMin = 60
	cfg.FrameBurst = 1
	srv := startTestServer(t, cfg, nil, nil)

	ws := dialWS(t, srv.BoundAddr(), "")
	joinChannel(t, ws, "design") // consumes the only burst token

	writeFrame(t, ws, domain.Frame{Type: domain.FrameCommand, ID: "01B", Command: "ping"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f domain.Frame
	err := wsjson.Read(ctx, ws, &f)
	if err == nil {
		t.Fatalf("expected close, got frame %+v", f)
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", status)
	}
}

func TestSweepIdleClosesPeers(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)

	ws := dialWS(t, srv.BoundAddr(), "")
	joinChannel(t, ws, "design")

	// Zero tolerance: everything currently connected counts as idle.
	swept := srv.SweepIdle(0)
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, peers := srv.registry.Stats(); peers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("swept peer never left the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSlowPeerDoesNotBlockBroadcast(t *testing.T) {
	cfg := testRelayConfig()
	cfg.SendBuffer = 1
	srv := startTestServer(t, cfg, nil, nil)

	sender := dialWS(t, srv.BoundAddr(), "")
	slow := dialWS(t, srv.BoundAddr(), "")

	joinChannel(t, sender, "design")
	joinChannel(t, slow, "design")
	readFrame(t, sender) // peer-joined notify
	// slow never reads again

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			wsjson.Write(context.Background(), sender, domain.Frame{
				Type: domain.FrameCommand, ID: "01C", Command: "ping",
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a slow peer")
	}
}

func TestServerStopClosesConnections(t *testing.T) {
	srv := startTestServer(t, testRelayConfig(), nil, nil)
	ws := dialWS(t, srv.BoundAddr(), "")
	joinChannel(t, ws, "design")

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f domain.Frame
	if err := wsjson.Read(ctx, ws, &f); err == nil {
		t.Error("expected connection to be closed after Stop")
	}
}
