package events

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/types"
	"github.com/google/uuid"
)

// Handler processes a single event. Handlers for one event type run in
// subscription order; a failing handler does not stop the others.
type Handler func(ctx context.Context, event *types.Event) error

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Persister receives emitted events for durable storage. Persistence is
// best-effort from the emitter's point of view.
type Persister interface {
	AppendEvent(event *types.Event) error
}

// Client is a bounded inbox registered with the bus for live fan-out.
type Client chan *types.Event

// Config holds event bus tuning knobs
type Config struct {
	BufferMaxSize int           // ring buffer entry cap (default 1000)
	BufferMaxAge  time.Duration // ring buffer age cap (default 15m)
	InboxSize     int           // per-client inbox capacity (default 100)
}

func (c *Config) withDefaults() Config {
	out := Config{BufferMaxSize: 1000, BufferMaxAge: 15 * time.Minute, InboxSize: 100}
	if c == nil {
		return out
	}
	if c.BufferMaxSize > 0 {
		out.BufferMaxSize = c.BufferMaxSize
	}
	if c.BufferMaxAge > 0 {
		out.BufferMaxAge = c.BufferMaxAge
	}
	if c.InboxSize > 0 {
		out.InboxSize = c.InboxSize
	}
	return out
}

// Bus is the in-process event bus: pub/sub for handlers, a bounded ring
// buffer of recent events, best-effort persistence and live fan-out to
// streaming clients.
type Bus struct {
	cfg Config

	mu        sync.RWMutex
	handlers  map[string][]Handler
	buffer    []*types.Event
	clients   map[Client]struct{}
	persister Persister

	persistWG sync.WaitGroup
}

// NewBus creates a new event bus
func NewBus(cfg *Config) *Bus {
	return &Bus{
		cfg:      cfg.withDefaults(),
		handlers: make(map[string][]Handler),
		clients:  make(map[Client]struct{}),
	}
}

// SetPersister installs the event log sink. May be nil to disable
// persistence entirely (tests, worker-local buses).
func (b *Bus) SetPersister(p Persister) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persister = p
}

// Subscribe appends a handler to the list for the given event type.
// Use Wildcard to receive every event.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll is shorthand for Subscribe(Wildcard, handler).
func (b *Bus) SubscribeAll(handler Handler) {
	b.Subscribe(Wildcard, handler)
}

type emitOptions struct {
	userID   string
	severity types.EventSeverity
	persist  bool
}

// Option adjusts a single emit.
type Option func(*emitOptions)

// WithUser attributes the event to a user.
func WithUser(userID string) Option {
	return func(o *emitOptions) { o.userID = userID }
}

// WithSeverity overrides the default info severity.
func WithSeverity(s types.EventSeverity) Option {
	return func(o *emitOptions) { o.severity = s }
}

// WithoutPersist skips the event log for this emit. Used for high-volume
// events and for bridge re-emits whose origin already persisted them.
func WithoutPersist() Option {
	return func(o *emitOptions) { o.persist = false }
}

// Emit builds the event, invokes handlers, buffers, persists and fans out.
// Handler errors and panics are logged and do not abort the emit.
func (b *Bus) Emit(ctx context.Context, eventType, origin string, payload map[string]any, opts ...Option) *types.Event {
	o := emitOptions{severity: types.SeverityInfo, persist: true}
	for _, opt := range opts {
		opt(&o)
	}

	event := &types.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Origin:    origin,
		Severity:  o.severity,
		Payload:   payload,
		UserID:    o.userID,
		Timestamp: time.Now(),
	}

	// Snapshot handlers so that handlers may themselves emit
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[eventType]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	persister := b.persister
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(ctx, handler, event)
	}

	b.addToBuffer(event)

	if o.persist && persister != nil {
		b.persistWG.Add(1)
		go func() {
			defer b.persistWG.Done()
			if err := persister.AppendEvent(event); err != nil {
				log.WithComponent("events").Error().Err(err).
					Str("event_type", event.Type).Msg("failed to persist event")
			}
		}()
	}

	b.pushToClients(event)

	metrics.EventsEmitted.WithLabelValues(event.Type).Inc()
	return event
}

func (b *Bus) invoke(ctx context.Context, handler Handler, event *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("events").Error().
				Str("event_type", event.Type).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	if err := handler(ctx, event); err != nil {
		log.WithComponent("events").Error().Err(err).
			Str("event_type", event.Type).Msg("handler error")
	}
}

// addToBuffer appends and trims the ring buffer by size, then by age.
func (b *Bus) addToBuffer(event *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer = append(b.buffer, event)

	if len(b.buffer) > b.cfg.BufferMaxSize {
		b.buffer = b.buffer[len(b.buffer)-b.cfg.BufferMaxSize:]
	}

	cutoff := time.Now().Add(-b.cfg.BufferMaxAge)
	trimmed := b.buffer[:0]
	for _, e := range b.buffer {
		if e.Timestamp.After(cutoff) {
			trimmed = append(trimmed, e)
		}
	}
	b.buffer = trimmed
}

// Recent returns buffered events newer than the given window, newest first.
// eventTypes and originSubstring are optional filters.
func (b *Bus) Recent(window time.Duration, eventTypes []string, originSubstring string) []*types.Event {
	cutoff := time.Now().Add(-window)

	typeSet := map[string]bool{}
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*types.Event
	for _, e := range b.buffer {
		if !e.Timestamp.After(cutoff) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		if originSubstring != "" && !strings.Contains(e.Origin, originSubstring) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// RegisterClient creates a bounded inbox and registers it for live fan-out.
func (b *Bus) RegisterClient() Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	client := make(Client, b.cfg.InboxSize)
	b.clients[client] = struct{}{}
	metrics.StreamClients.Set(float64(len(b.clients)))
	return client
}

// UnregisterClient removes the inbox and closes it.
func (b *Bus) UnregisterClient(client Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
	}
	metrics.StreamClients.Set(float64(len(b.clients)))
}

// pushToClients writes non-blockingly; a client whose inbox is full is
// evicted rather than slowing the emitter down.
func (b *Bus) pushToClients(event *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for client := range b.clients {
		select {
		case client <- event:
		default:
			// Inbox full, evict
			delete(b.clients, client)
			close(client)
			log.WithComponent("events").Warn().Msg("stream client evicted: inbox full")
		}
	}
	metrics.StreamClients.Set(float64(len(b.clients)))
}

// ClientCount returns the number of registered streaming clients.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// BufferLen returns the current ring buffer occupancy.
func (b *Bus) BufferLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffer)
}

// Drain waits for in-flight persistence writes to finish.
func (b *Bus) Drain() {
	b.persistWG.Wait()
}
