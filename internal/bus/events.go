package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a lifecycle notification emitted while a unit is processed.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id string
	fn EventHandler
}

// EventBus fans lifecycle events out to subscribers and keeps a bounded
// ring of recent events for Replay. Handlers run synchronously on the
// emitting goroutine; a panicking handler is logged and skipped.
type EventBus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]subscription
	seq  uint64

	ring  []Event
	head  int // next write position
	count int
}

// NewEventBus creates an EventBus that keeps the last maxHistory events for
// Replay. maxHistory <= 0 uses 1000.
func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]subscription),
		ring:   make([]Event, maxHistory),
	}
}

// On subscribes handler to eventType, or to every event with "*". The
// returned id is accepted by Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := eventType + "#" + strconv.FormatUint(eb.seq, 10)
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: handler})
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	kept := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(eb.subs, eventType)
		return
	}
	eb.subs[eventType] = kept
}

// Emit records the event and calls matching handlers in subscription order,
// specific handlers before wildcard ones. A nil bus is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.ring[eb.head] = event
	eb.head = (eb.head + 1) % len(eb.ring)
	if eb.count < len(eb.ring) {
		eb.count++
	}
	targets := append(append([]subscription(nil), eb.subs[event.Type]...), eb.subs["*"]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", s.id, "panic", r)
		}
	}()
	s.fn(event)
}

// Replay returns recorded events of eventType ("*" for all) emitted at or
// after since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	oldest := (eb.head - eb.count + len(eb.ring)) % len(eb.ring)
	for i := 0; i < eb.count; i++ {
		e := eb.ring[(oldest+i)%len(eb.ring)]
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Lifecycle event types.
const (
	EventUnitReceived       = "unit.received"
	EventUnitRejected       = "unit.rejected"
	EventUnitDuplicate      = "unit.duplicate"
	EventUnitFailed         = "unit.failed"
	EventUnitDispatched     = "unit.dispatched"
	EventCompletionFinished = "completion.finished"
	EventDeliveryFailed     = "delivery.failed"
	EventStatusUpdated      = "delivery.status_updated"
	EventAgentFlagged       = "agent.flagged"
	EventListenerChanged    = "listener.changed"
)
