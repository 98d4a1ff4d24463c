package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aiwriter/internal/domain"
)

// Wildcard subscribes to every event type.
const Wildcard domain.EventType = "*"

// EventHandler is a callback for events.
type EventHandler func(domain.Event)

// EventBus is a topic-based publish/subscribe bus for gateway events.
// Handlers are invoked synchronously, in registration order, on the emitting
// goroutine; a panicking handler is logged and skipped.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[domain.EventType][]namedHandler
	nextID   atomic.Uint64
	closed   bool
	logger   *slog.Logger
}

type namedHandler struct {
	id      uint64
	handler EventHandler
}

// NewEventBus creates an empty EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[domain.EventType][]namedHandler),
		logger:   logger,
	}
}

// subscription is the owned token returned by On.
type subscription struct {
	bus       *EventBus
	eventType domain.EventType
	id        uint64
	once      sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.off(s.eventType, s.id) })
}

// On registers a handler for the given event type. Use Wildcard to listen
// to all events.
func (eb *EventBus) On(eventType domain.EventType, handler EventHandler) domain.Subscription {
	id := eb.nextID.Add(1)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, handler: handler})
	return &subscription{bus: eb, eventType: eventType, id: id}
}

func (eb *EventBus) off(eventType domain.EventType, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.id == id {
			// Copy so that a concurrent Emit iterating an older snapshot is unaffected.
			next := make([]namedHandler, 0, len(handlers)-1)
			next = append(next, handlers[:i]...)
			next = append(next, handlers[i+1:]...)
			if len(next) == 0 {
				delete(eb.handlers, eventType)
			} else {
				eb.handlers[eventType] = next
			}
			return
		}
	}
}

// Emit delivers an event to the handlers registered at the time of the call.
func (eb *EventBus) Emit(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		eb.logger.Warn("emit on closed event bus", "event", event.Type)
		return
	}
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers[Wildcard]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	if event.Type != Wildcard {
		handlers = append(handlers, eb.handlers[Wildcard]...)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h namedHandler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(event)
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType domain.EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Close drops all handlers; later emits are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.closed = true
	eb.handlers = make(map[domain.EventType][]namedHandler)
}
