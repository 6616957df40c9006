package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canvaslink/internal/domain"
)

// peer is one connected relay client. The registry owns channel membership;
// the server owns the websocket and its read/write loops. The two halves
// meet at sendCh: the registry queues outbound frames, the write loop drains
// them, and a full buffer drops the frame rather than stalling the channel.
type peer struct {
	id        string
	name      string
	roles     []string
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	lastActive time.Time
}

func newPeer(id, name string, roles []string, buffer int) *peer {
	return &peer{
		id:         id,
		name:       name,
		roles:      roles,
		sendCh:     make(chan []byte, buffer),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

// send queues raw bytes without blocking. Reports whether the frame was
// queued; false means the peer's buffer is full.
func (p *peer) send(raw []byte) bool {
	select {
	case p.sendCh <- raw:
		return true
	default:
		return false
	}
}

// close signals the peer's loops to stop. Idempotent.
func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *peer) touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

func (p *peer) idleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActive)
}

// Registry tracks which peer is in which channel. A peer is in at most one
// channel, and frames never cross channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]*peer
	byPeer   map[string]string
	logger   *slog.Logger
}

// NewRegistry creates an empty channel registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]map[string]*peer),
		byPeer:   make(map[string]string),
		logger:   logger,
	}
}

// Join adds p to channel, creating the channel on first join. Re-joining the
// channel p is already in reports fresh=false with no error. Joining a second
// channel fails; the peer must disconnect (or leave) first.
func (r *Registry) Join(p *peer, channel string) (fresh bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPeer[p.id]; ok {
		if existing == channel {
			return false, nil
		}
		return false, domain.NewDomainError("Registry.Join", domain.ErrAlreadyJoined,
			fmt.Sprintf("peer %s is in channel %q", p.id, existing))
	}

	members := r.channels[channel]
	if members == nil {
		members = make(map[string]*peer)
		r.channels[channel] = members
	}
	members[p.id] = p
	r.byPeer[p.id] = channel
	return true, nil
}

// Leave removes p from its channel and deletes the channel when the last
// member leaves. Safe to call for peers that never joined.
func (r *Registry) Leave(p *peer) (channel string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channel, ok = r.byPeer[p.id]
	if !ok {
		return "", false
	}
	delete(r.byPeer, p.id)

	members := r.channels[channel]
	delete(members, p.id)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	return channel, true
}

// Broadcast delivers raw to every member of the sender's channel except the
// sender itself. Slow receivers are skipped, never waited on.
func (r *Registry) Broadcast(sender *peer, raw []byte) (delivered, dropped int, err error) {
	r.mu.RLock()
	channel, ok := r.byPeer[sender.id]
	if !ok {
		r.mu.RUnlock()
		return 0, 0, domain.NewDomainError("Registry.Broadcast", domain.ErrNotJoined, sender.id)
	}
	receivers := make([]*peer, 0, len(r.channels[channel]))
	for id, m := range r.channels[channel] {
		if id != sender.id {
			receivers = append(receivers, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range receivers {
		if m.send(raw) {
			delivered++
		} else {
			dropped++
			r.logger.Warn("dropped frame for slow peer", "peer", m.id, "channel", channel)
		}
	}
	return delivered, dropped, nil
}

// Members returns a snapshot of the peers currently in channel.
func (r *Registry) Members(channel string) []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*peer, 0, len(r.channels[channel]))
	for _, m := range r.channels[channel] {
		members = append(members, m)
	}
	return members
}

// ChannelOf reports the channel p has joined, if any.
func (r *Registry) ChannelOf(p *peer) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.byPeer[p.id]
	return channel, ok
}

// Stats reports the number of active channels and joined peers.
func (r *Registry) Stats() (channels, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels), len(r.byPeer)
}

// IdlePeers returns joined peers whose last activity is older than maxIdle.
func (r *Registry) IdlePeers(maxIdle time.Duration) []*peer {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var idle []*peer
	for _, members := range r.channels {
		for _, m := range members {
			if m.idleFor(now) > maxIdle {
				idle = append(idle, m)
			}
		}
	}
	return idle
}
