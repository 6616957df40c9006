package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"canvaslink/internal/domain"
)

// Bus is an in-process, goroutine-safe event bus. Delivery is fan-out,
// one goroutine per handler invocation, with no ordering guarantee across
// handlers. Anything that needs ordered delivery (the wire path for
// progress frames) must not route through the bus.
type Bus struct {
	mu     sync.RWMutex
	typed  map[domain.EventType]map[uint64]domain.EventHandler
	all    map[uint64]domain.EventHandler
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType]map[uint64]domain.EventHandler),
		all:    make(map[uint64]domain.EventHandler),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.typed[event.Type])+len(b.all))
	for _, h := range b.typed[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, event, h)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.typed[eventType] == nil {
		b.typed[eventType] = make(map[uint64]domain.EventHandler)
	}
	b.typed[eventType][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.typed[eventType], id)
		if len(b.typed[eventType]) == 0 {
			delete(b.typed, eventType)
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
