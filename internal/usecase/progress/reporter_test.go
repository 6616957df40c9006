package progress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"canvaslink/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collectSink records updates in emission order.
type collectSink struct {
	mu      sync.Mutex
	updates []domain.ProgressUpdate
}

func (s *collectSink) sink(u domain.ProgressUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *collectSink) all() []domain.ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressUpdate(nil), s.updates...)
}

type recordBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordBus) Publish(_ context.Context, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordBus) Close()                                                 {}

func TestReporterLifecycle(t *testing.T) {
	sink := &collectSink{}
	r := NewReporter("01J3ZT", "scan_text_nodes", sink.sink, nil, testLogger())

	r.Started(20, "scanning 20 nodes")
	r.Chunk(1, 2, 10, 10, "chunk 1/2")
	r.Chunk(2, 2, 10, 20, "chunk 2/2")
	r.Completed(20, "scan complete", nil)

	updates := sink.all()
	if len(updates) != 4 {
		t.Fatalf("emitted %d updates, want 4", len(updates))
	}

	wantStatus := []domain.ProgressStatus{
		domain.ProgressStarted,
		domain.ProgressInProgress,
		domain.ProgressInProgress,
		domain.ProgressCompleted,
	}
	wantProgress := []int{0, 53, 100, 100}
	for i, u := range updates {
		if u.Status != wantStatus[i] {
			t.Errorf("update %d status = %s, want %s", i, u.Status, wantStatus[i])
		}
		if u.Progress != wantProgress[i] {
			t.Errorf("update %d progress = %d, want %d", i, u.Progress, wantProgress[i])
		}
		if u.CommandID != "01J3ZT" {
			t.Errorf("update %d command id = %q", i, u.CommandID)
		}
		if u.CommandType != "scan_text_nodes" {
			t.Errorf("update %d command type = %q", i, u.CommandType)
		}
		if u.Timestamp.IsZero() {
			t.Errorf("update %d has zero timestamp", i)
		}
	}

	if updates[1].Chunk == nil || updates[1].Chunk.TotalChunks != 2 {
		t.Errorf("chunk update missing chunk info: %+v", updates[1].Chunk)
	}
	if updates[3].ProcessedItems != 20 {
		t.Errorf("completed processed = %d, want 20", updates[3].ProcessedItems)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	sink := &collectSink{}
	r := NewReporter("01J3ZT", "scan_text_nodes", sink.sink, nil, testLogger())

	r.Started(40, "")
	r.Chunk(2, 4, 10, 20, "")
	// A chunk reported out of order maps to a lower percentage; the
	// reporter must clamp it up, never step backwards.
	r.Chunk(1, 4, 10, 30, "")
	r.Completed(40, "", nil)

	updates := sink.all()
	last := -1
	for i, u := range updates {
		if u.Progress < last {
			t.Errorf("update %d progress %d dropped below %d", i, u.Progress, last)
		}
		last = u.Progress
	}
	if updates[2].Progress != updates[1].Progress {
		t.Errorf("out-of-order chunk progress = %d, want clamped to %d",
			updates[2].Progress, updates[1].Progress)
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
}

func TestTerminalStateDropsLaterUpdates(t *testing.T) {
	sink := &collectSink{}
	r := NewReporter("01J3ZT", "set_multiple_text_contents", sink.sink, nil, testLogger())

	r.Started(5, "")
	r.Completed(5, "done", nil)
	r.Chunk(1, 1, 5, 5, "straggler")
	r.Error(errors.New("too late"))

	updates := sink.all()
	if len(updates) != 2 {
		t.Fatalf("emitted %d updates, want 2 (terminal state is final)", len(updates))
	}
	if updates[1].Status != domain.ProgressCompleted {
		t.Errorf("last status = %s, want completed", updates[1].Status)
	}
}

func TestErrorKeepsLastProgress(t *testing.T) {
	sink := &collectSink{}
	r := NewReporter("01J3ZT", "set_multiple_text_contents", sink.sink, nil, testLogger())

	r.Started(30, "")
	r.Chunk(1, 3, 10, 10, "")
	r.Error(errors.New("document closed"))

	updates := sink.all()
	if len(updates) != 3 {
		t.Fatalf("emitted %d updates, want 3", len(updates))
	}
	errUpdate := updates[2]
	if errUpdate.Status != domain.ProgressError {
		t.Errorf("status = %s, want error", errUpdate.Status)
	}
	if errUpdate.Progress != updates[1].Progress {
		t.Errorf("error progress = %d, want last value %d", errUpdate.Progress, updates[1].Progress)
	}
	if errUpdate.Message != "document closed" {
		t.Errorf("error message = %q", errUpdate.Message)
	}
}

func TestReporterPublishesOnBus(t *testing.T) {
	bus := &recordBus{}
	r := NewReporter("01J3ZT", "scan_text_nodes", nil, bus, testLogger())

	r.Started(2, "")
	r.Completed(2, "", nil)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.events) != 2 {
		t.Fatalf("published %d events, want 2", len(bus.events))
	}
	for i, e := range bus.events {
		if e.Type != domain.EventProgressUpdate {
			t.Errorf("event %d type = %s", i, e.Type)
		}
		if e.CommandID != "01J3ZT" {
			t.Errorf("event %d command id = %q", i, e.CommandID)
		}
		var u domain.ProgressUpdate
		if err := json.Unmarshal(e.Payload, &u); err != nil {
			t.Fatalf("event %d payload: %v", i, err)
		}
	}
}

func TestContextCarriesReporter(t *testing.T) {
	sink := &collectSink{}
	r := NewReporter("01J3ZT", "scan_text_nodes", sink.sink, nil, testLogger())

	ctx := NewContext(context.Background(), r)
	if got := FromContext(ctx); got != r {
		t.Error("FromContext() did not return the bound reporter")
	}
}

func TestFromContextWithoutReporterDiscards(t *testing.T) {
	r := FromContext(context.Background())
	if r == nil {
		t.Fatal("FromContext() returned nil")
	}
	// Must not panic and must not deliver anywhere.
	r.Started(10, "")
	r.Completed(10, "", nil)
}

func TestChunkProgressFormula(t *testing.T) {
	tests := []struct {
		done, total int
		want        int
	}{
		{0, 3, 5},   // nothing done: still at the planning slice
		{1, 3, 37},  // 5 + 95/3
		{2, 3, 68},  // 5 + 190/3
		{3, 3, 100}, // final chunk lands on 100
		{1, 2, 53},
		{5, 5, 100},
		{0, 0, 5}, // degenerate: no chunks
	}
	for _, tt := range tests {
		if got := chunkProgress(tt.done, tt.total); got != tt.want {
			t.Errorf("chunkProgress(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}
