package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Envelope field names on the wire. Each stream entry carries the encoded
// payload as JSON plus the emit timestamp in epoch milliseconds.
const (
	fieldData      = "data"
	fieldTimestamp = "timestamp"
)

// RedisConfig parameterizes the durable transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Group is the consumer-group name shared by all workers of one
	// deployment. Competing workers in the same group split the streams.
	Group string

	// StreamPrefix namespaces the per-event-type stream keys.
	StreamPrefix string

	// MaxStreamLen is the approximate trim cap applied on every append.
	MaxStreamLen int64

	// BlockTimeout bounds how long one blocking read waits for entries.
	BlockTimeout time.Duration

	// ReadCount is the batch size for reads and reclaims.
	ReadCount int64

	// ReclaimIdle is how long an entry must sit delivered-but-unacked
	// before any worker's recovery pass may take it over.
	ReclaimIdle time.Duration

	// MaxRestarts and RestartWindow bound the auto-restart policy: at most
	// MaxRestarts loop restarts within a rolling RestartWindow, then the
	// transport stops permanently.
	MaxRestarts   int
	RestartWindow time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.Group == "" {
		c.Group = "automation-workers"
	}
	if c.StreamPrefix == "" {
		c.StreamPrefix = "events:"
	}
	if c.MaxStreamLen == 0 {
		c.MaxStreamLen = 1000
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ReadCount == 0 {
		c.ReadCount = 10
	}
	if c.ReclaimIdle == 0 {
		c.ReclaimIdle = 60 * time.Second
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = 60 * time.Second
	}
}

// RedisTransport is the durable EventBus implementation: one stream per
// event type, one shared consumer group, competing consumers with
// randomized ephemeral identities, and idle-based reclaim so a crashed
// worker's unacknowledged entries are eventually reprocessed by a live one.
type RedisTransport struct {
	client   *redis.Client
	cfg      RedisConfig
	consumer string
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	restarts restartTracker

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRedisTransport connects to the broker and verifies reachability.
// The consumer identity is a fresh UUID: recovery never depends on a worker
// coming back under the same name.
func NewRedisTransport(cfg RedisConfig, log *slog.Logger) (*RedisTransport, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}

	return &RedisTransport{
		client:   client,
		cfg:      cfg,
		consumer: uuid.NewString(),
		log:      log,
		handlers: make(map[string][]Handler),
		restarts: restartTracker{max: cfg.MaxRestarts, window: cfg.RestartWindow},
		stopCh:   make(chan struct{}),
	}, nil
}

func (t *RedisTransport) streamKey(eventType string) string {
	return t.cfg.StreamPrefix + eventType
}

func (t *RedisTransport) eventType(streamKey string) string {
	return strings.TrimPrefix(streamKey, t.cfg.StreamPrefix)
}

func (t *RedisTransport) On(eventType string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[eventType] = append(t.handlers[eventType], handler)
}

// Off drops local dispatch only. The consumer group and its pending entries
// stay untouched on the broker.
func (t *RedisTransport) Off(eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, eventType)
}

func (t *RedisTransport) registeredTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	types := make([]string, 0, len(t.handlers))
	for eventType := range t.handlers {
		types = append(types, eventType)
	}
	return types
}

func (t *RedisTransport) handlersFor(eventType string) []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handlers := make([]Handler, len(t.handlers[eventType]))
	copy(handlers, t.handlers[eventType])
	return handlers
}

// Emit appends one envelope to the event type's stream, trimming it to the
// approximate cap. An error here means the event was not enqueued; handler
// outcomes downstream are never reported back to the emitter.
func (t *RedisTransport) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	data, err := json.Marshal(Encode(payload))
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}

	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey(eventType),
		MaxLen: t.cfg.MaxStreamLen,
		Approx: true,
		Values: map[string]any{
			fieldData:      string(data),
			fieldTimestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

// Initialize idempotently creates the consumer group for every event type
// with at least one handler, runs one recovery pass over stale pending
// entries, and starts the consume loop. A loop failure re-invokes
// Initialize through the bounded restart policy.
func (t *RedisTransport) Initialize(ctx context.Context) error {
	if err := t.ensureGroups(ctx); err != nil {
		return err
	}
	if err := t.recoverPending(ctx); err != nil {
		return err
	}

	go t.run(ctx)
	return nil
}

// Stop is cooperative: the loop finishes its in-flight batch before exiting.
func (t *RedisTransport) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *RedisTransport) ensureGroups(ctx context.Context) error {
	for _, eventType := range t.registeredTypes() {
		err := t.client.XGroupCreateMkStream(ctx, t.streamKey(eventType), t.cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("failed to create consumer group for %s: %w", eventType, err)
		}
	}
	return nil
}

// recoverPending claims entries that have been pending longer than the
// idle threshold, whichever consumer they were delivered to, and pushes
// them through the normal handling path. One call sweeps every registered
// event type until a full pass reclaims nothing. It runs once at
// Initialize and then periodically from the consume loop, so an entry
// left unacked by a failing handler is redelivered without any worker
// restarting.
func (t *RedisTransport) recoverPending(ctx context.Context) error {
	for _, eventType := range t.registeredTypes() {
		stream := t.streamKey(eventType)
		start := "0-0"
		for {
			claimed, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    t.cfg.Group,
				Consumer: t.consumer,
				MinIdle:  t.cfg.ReclaimIdle,
				Start:    start,
				Count:    t.cfg.ReadCount,
			}).Result()
			if err != nil {
				return fmt.Errorf("failed to reclaim pending %s entries: %w", eventType, err)
			}
			for _, msg := range claimed {
				t.handleMessage(ctx, eventType, stream, msg)
			}
			if len(claimed) == 0 && next == "0-0" {
				break
			}
			start = next
		}
	}
	return nil
}

func (t *RedisTransport) run(ctx context.Context) {
	t.log.Info("event bus consume loop started",
		"consumer", t.consumer, "group", t.cfg.Group)

	nextReclaim := time.Now().Add(t.cfg.ReclaimIdle)

	for {
		select {
		case <-t.stopCh:
			t.log.Info("event bus consume loop stopped")
			return
		case <-ctx.Done():
			return
		default:
		}

		// Interleave a reclaim sweep between blocking reads so stale
		// pending entries are picked up while the worker set is stable.
		if time.Now().After(nextReclaim) {
			if err := t.recoverPending(ctx); err != nil {
				t.log.Error("reclaim sweep failed", "error", err)
			}
			nextReclaim = time.Now().Add(t.cfg.ReclaimIdle)
		}

		types := t.registeredTypes()
		if len(types) == 0 {
			time.Sleep(t.cfg.BlockTimeout)
			continue
		}

		streams := make([]string, 0, len(types)*2)
		for _, eventType := range types {
			streams = append(streams, t.streamKey(eventType))
		}
		for range types {
			streams = append(streams, ">")
		}

		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.consumer,
			Streams:  streams,
			Count:    t.cfg.ReadCount,
			Block:    t.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if isMissingGroup(err) {
				// A stream or group vanished under us; recreate and carry on.
				t.log.Warn("consumer group missing, recreating", "error", err)
				if gerr := t.ensureGroups(ctx); gerr != nil {
					t.log.Error("failed to recreate consumer groups", "error", gerr)
				}
				continue
			}
			t.log.Error("event bus read failed, leaving consume loop", "error", err)
			t.restart(ctx)
			return
		}

		for _, stream := range res {
			eventType := t.eventType(stream.Stream)
			for _, msg := range stream.Messages {
				t.handleMessage(ctx, eventType, stream.Stream, msg)
			}
		}
	}
}

// handleMessage decodes one entry, invokes every registered handler
// concurrently, and acknowledges the entry only if all handlers succeed.
// A failed or undecodable entry stays pending so a later recovery pass
// redelivers it instead of it silently vanishing.
func (t *RedisTransport) handleMessage(ctx context.Context, eventType, streamKey string, msg redis.XMessage) {
	payload, err := decodeEnvelope(msg.Values)
	if err != nil {
		t.log.Error("failed to decode stream entry, leaving it pending",
			"eventType", eventType, "entryId", msg.ID, "error", err)
		return
	}

	handlers := t.handlersFor(eventType)
	if len(handlers) == 0 {
		// Registration raced with Off; leave the entry for another worker.
		return
	}

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed error
	)
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, payload); err != nil {
				failMu.Lock()
				failed = err
				failMu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	if failed != nil {
		t.log.Error("handler failed, leaving entry pending for reclaim",
			"eventType", eventType, "entryId", msg.ID, "error", failed)
		return
	}

	if err := t.client.XAck(ctx, streamKey, t.cfg.Group, msg.ID).Err(); err != nil {
		t.log.Error("failed to acknowledge entry",
			"eventType", eventType, "entryId", msg.ID, "error", err)
	}
}

// restart re-runs Initialize if the bounded restart budget allows it;
// otherwise the transport stays down until an operator intervenes.
func (t *RedisTransport) restart(ctx context.Context) {
	select {
	case <-t.stopCh:
		return
	default:
	}

	attempt, ok := t.restarts.allow(time.Now())
	if !ok {
		t.log.Error("event bus restart budget exhausted, stopping permanently",
			"maxRestarts", t.cfg.MaxRestarts, "window", t.cfg.RestartWindow)
		return
	}

	t.log.Warn("restarting event bus", "attempt", attempt)
	time.Sleep(time.Second)

	if err := t.Initialize(ctx); err != nil {
		t.log.Error("event bus restart failed", "attempt", attempt, "error", err)
		t.restart(ctx)
	}
}

func decodeEnvelope(values map[string]any) (map[string]any, error) {
	raw, ok := values[fieldData].(string)
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", fieldData)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return Decode(payload), nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// restartTracker enforces the bounded auto-restart policy: the attempt
// counter resets once the rolling window has elapsed since the last
// restart.
type restartTracker struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	count  int
	last   time.Time
}

func (r *restartTracker) allow(now time.Time) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.last.IsZero() && now.Sub(r.last) > r.window {
		r.count = 0
	}
	if r.count >= r.max {
		return r.count, false
	}
	r.count++
	r.last = now
	return r.count, true
}
