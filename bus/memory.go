package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryTransport dispatches events directly to registered handlers in the
// emitting goroutine. No persistence, no consumer groups, no recovery: an
// event emitted while no worker is listening is simply lost. It exists for
// deployments that cannot run a long-lived consumer process, and for tests.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	stopped  bool
	log      *slog.Logger
}

func NewMemoryTransport(log *slog.Logger) *MemoryTransport {
	return &MemoryTransport{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

func (t *MemoryTransport) On(eventType string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[eventType] = append(t.handlers[eventType], handler)
}

func (t *MemoryTransport) Off(eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, eventType)
}

// Emit runs every handler for the event type synchronously. Handler errors
// are logged and swallowed, matching the durable transport's contract that
// downstream failures never surface to the producer.
func (t *MemoryTransport) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	t.mu.RLock()
	stopped := t.stopped
	handlers := make([]Handler, len(t.handlers[eventType]))
	copy(handlers, t.handlers[eventType])
	t.mu.RUnlock()

	if stopped {
		return nil
	}

	encoded := Encode(payload)
	for _, h := range handlers {
		if err := h(ctx, Decode(encoded)); err != nil {
			t.log.Error("in-process handler failed",
				"eventType", eventType, "error", err)
		}
	}
	return nil
}

// Initialize is a no-op: there is no broker state to create and no loop to
// start.
func (t *MemoryTransport) Initialize(ctx context.Context) error {
	return nil
}

func (t *MemoryTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
