// Package progress emits advisory progress updates for long-running
// commands. Updates never affect correctness: the response envelope stays
// the only authoritative completion signal, and a reporter failure never
// fails the command it narrates.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"canvaslink/internal/domain"
)

// The band below planningSlice is reserved for the planning phase; finished
// chunks map onto the rest.
const (
	planningSlice = 5
	chunkSpan     = 100 - planningSlice
)

// Sink receives updates in emission order. The host runtime installs one
// that writes notify frames to the channel. The wire path goes through the
// sink rather than the event bus because the bus does not order deliveries.
type Sink func(update domain.ProgressUpdate)

// Reporter narrates one command's execution. Progress is clamped monotonic,
// terminal states are emitted at most once, and everything after a terminal
// state is dropped.
type Reporter struct {
	commandID   string
	commandType string
	sink        Sink
	bus         domain.EventBus
	logger      *slog.Logger

	mu         sync.Mutex
	totalItems int
	last       int
	terminal   bool
}

// NewReporter binds a reporter to one command. sink and bus may each be nil.
func NewReporter(commandID, commandType string, sink Sink, bus domain.EventBus, logger *slog.Logger) *Reporter {
	return &Reporter{
		commandID:   commandID,
		commandType: commandType,
		sink:        sink,
		bus:         bus,
		logger:      logger,
	}
}

// Started announces the command and the number of items it will touch.
func (r *Reporter) Started(totalItems int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalItems = totalItems
	r.emit(domain.ProgressUpdate{
		Status:     domain.ProgressStarted,
		Progress:   0,
		TotalItems: totalItems,
		Message:    msg,
	})
}

// Chunk reports one finished chunk group. Progress derives from the chunk
// count, with the leading slice reserved for planning.
func (r *Reporter) Chunk(current, totalChunks, chunkSize, processedItems int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(domain.ProgressUpdate{
		Status:         domain.ProgressInProgress,
		Progress:       chunkProgress(current, totalChunks),
		TotalItems:     r.totalItems,
		ProcessedItems: processedItems,
		Message:        msg,
		Chunk: &domain.ChunkInfo{
			CurrentChunk: current,
			TotalChunks:  totalChunks,
			ChunkSize:    chunkSize,
		},
	})
}

// Completed emits the terminal success update with progress forced to 100.
func (r *Reporter) Completed(processedItems int, msg string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(domain.ProgressUpdate{
		Status:         domain.ProgressCompleted,
		Progress:       100,
		TotalItems:     r.totalItems,
		ProcessedItems: processedItems,
		Message:        msg,
		Payload:        payload,
	})
}

// Error emits the terminal failure update. Progress keeps its last value;
// error and completed are mutually exclusive.
func (r *Reporter) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	r.emit(domain.ProgressUpdate{
		Status:     domain.ProgressError,
		Progress:   r.last,
		TotalItems: r.totalItems,
		Message:    msg,
	})
}

// emit finalizes and delivers one update. Caller holds r.mu.
func (r *Reporter) emit(u domain.ProgressUpdate) {
	if r.terminal {
		r.logger.Debug("dropping progress update after terminal state",
			"id", r.commandID, "status", u.Status)
		return
	}
	if u.Progress < r.last {
		u.Progress = r.last
	}
	r.last = u.Progress
	if u.Status == domain.ProgressCompleted || u.Status == domain.ProgressError {
		r.terminal = true
	}

	u.CommandID = r.commandID
	u.CommandType = r.commandType
	u.Timestamp = time.Now()

	if r.sink != nil {
		r.sink(u)
	}
	if r.bus != nil {
		raw, err := json.Marshal(u)
		if err != nil {
			return
		}
		r.bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventProgressUpdate,
			Timestamp: u.Timestamp,
			CommandID: r.commandID,
			Payload:   raw,
		})
	}
}

// chunkProgress maps finished chunks onto the band above the planning slice.
func chunkProgress(done, total int) int {
	if total <= 0 {
		return planningSlice
	}
	return int(math.Round(planningSlice + float64(done)/float64(total)*chunkSpan))
}
