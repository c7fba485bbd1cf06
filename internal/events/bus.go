package events

import (
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bus dispatches lifecycle events to registered handlers and optionally
// mirrors them onto NATS JetStream. Zero value is ready to use.
type Bus struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers []Handler
	js       nats.JetStreamContext
}

// NewBus creates a Bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Attach wires a JetStream context for event publishing. When set,
// Dispatch publishes each event to JetStream after running local handlers.
// Publishing is fire-and-forget: errors are logged, never propagated.
func (b *Bus) Attach(js nats.JetStreamContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.js = js
}

// JetStreamEnabled reports whether a JetStream context is attached.
func (b *Bus) JetStreamEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.js != nil
}

// Register adds a handler to the bus. Safe for concurrent use.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a handler by ID, returning true if one was removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch runs all registered handlers against event, then publishes to
// JetStream if attached. Handler errors are logged but never returned —
// callers invoke Dispatch from lifecycle transitions (became leader, node
// joined) that must not be disrupted by a broken subscriber.
func (b *Bus) Dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	js := b.js
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(event); err != nil {
			b.logger.Warn("events: handler error", "handler", h.ID(), "type", event.Type, "error", err)
		}
	}

	if js != nil {
		b.publish(js, event)
	}
}

func (b *Bus) publish(js nats.JetStreamContext, event Event) {
	subject := SubjectForType(event.Type)
	data, err := marshalEvent(event)
	if err != nil {
		b.logger.Warn("events: marshal failed", "type", event.Type, "error", err)
		return
	}

	ack, err := js.Publish(subject, data)
	if err != nil {
		b.logger.Warn("events: publish failed", "subject", subject, "error", err)
		return
	}
	b.logger.Debug("events: published", "subject", subject, "stream", ack.Stream, "seq", ack.Sequence)
}
