package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canvaslink/internal/domain"
)

// outcome is the settled value of one in-flight command.
type outcome struct {
	result json.RawMessage
	err    error
}

// pending tracks one command between send and settle. The outcome channel is
// buffered and written exactly once; whoever settles first wins.
type pending struct {
	id        string
	command   string
	startedAt time.Time
	timer     *time.Timer
	outcome   chan outcome
}

// pendingTable is the correlation table: command id to pending entry. An id
// is present exactly while its command is in flight; removal is what marks
// an entry settled, so a second settle finds nothing and becomes a no-op.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pending
	logger  *slog.Logger
}

func newPendingTable(logger *slog.Logger) *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pending),
		logger:  logger,
	}
}

// add registers an entry and arms its timeout timer. The timer settles the
// entry with a timeout error at or after the budget; onTimeout runs only
// when the timer actually won the settle race.
func (t *pendingTable) add(id, command string, timeout time.Duration, onTimeout func()) (*pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, domain.NewDomainError("pendingTable.add", domain.ErrDuplicate, id)
	}

	p := &pending{
		id:        id,
		command:   command,
		startedAt: time.Now(),
		outcome:   make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		err := domain.NewSubSystemError("gateway", "Gateway.Invoke", domain.ErrTimeout,
			fmt.Sprintf("command %s exceeded %s budget", command, timeout))
		if t.settle(id, nil, err) && onTimeout != nil {
			onTimeout()
		}
	})
	t.entries[id] = p
	return p, nil
}

// settle completes an entry with a result or an error. The first settle
// wins; unknown or already-settled ids return false. Late responses land
// here and are dropped with a debug log, never an error.
func (t *pendingTable) settle(id string, result json.RawMessage, err error) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("discarding response for unknown or settled id", "id", id)
		return false
	}

	p.timer.Stop()
	p.outcome <- outcome{result: result, err: err}
	return true
}

// failAll settles every in-flight entry with err. Called on connection loss;
// returns how many entries were failed.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pending)
	t.mu.Unlock()

	for _, p := range entries {
		p.timer.Stop()
		p.outcome <- outcome{err: err}
	}
	return len(entries)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
