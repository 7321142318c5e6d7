package bus

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler processes one delivered event payload. Handlers must tolerate
// duplicate delivery: the durable transport guarantees at-least-once, not
// exactly-once.
type Handler func(ctx context.Context, payload map[string]any) error

// EventBus is the process-wide publish/subscribe surface. Producers call
// Emit and never learn about downstream handler outcomes; an Emit error
// means only that the event could not be enqueued.
type EventBus interface {
	// On registers a handler for an event type. Multiple handlers may be
	// registered; all are invoked for every delivered event.
	On(eventType string, handler Handler)

	// Off removes all local handler registrations for an event type. It
	// does not touch broker-side consumer-group state, so undelivered
	// entries keep accumulating as pending until a consumer returns.
	Off(eventType string)

	// Emit encodes the payload and appends it to the event type's stream.
	Emit(ctx context.Context, eventType string, payload map[string]any) error

	// Initialize creates any broker-side state for the registered event
	// types, runs crash recovery, and starts the consume loop.
	Initialize(ctx context.Context) error

	// Stop signals the consume loop to exit after its current iteration.
	Stop()
}

// Deployment modes for the transport selector.
const (
	// ModeDurable backs the bus with a log-based broker: durable streams,
	// competing consumers, crash recovery.
	ModeDurable = "redis"

	// ModeMemory dispatches synchronously in-process with no persistence.
	// Meant for deployments that cannot host a long-lived worker; it loses
	// at-least-once delivery and recovery entirely.
	ModeMemory = "memory"
)

// Config selects and parameterizes a transport.
type Config struct {
	Mode   string
	Redis  RedisConfig
	Logger *slog.Logger
}

// New picks exactly one transport for the process based on the configured
// mode. Callers hold only the EventBus interface and stay unaware of which
// transport is active.
func New(cfg Config) (EventBus, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch cfg.Mode {
	case ModeDurable:
		return NewRedisTransport(cfg.Redis, cfg.Logger)
	case ModeMemory, "":
		return NewMemoryTransport(cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unknown bus mode %q (use %q or %q)", cfg.Mode, ModeDurable, ModeMemory)
	}
}
