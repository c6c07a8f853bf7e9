package bus

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types.
const (
	EventRelayMessage   = "relay.message"
	EventStatusWorking  = "status.working"
	EventStatusSuccess  = "status.succeeded"
	EventStatusFailed   = "status.failed"
	EventStatusInfo     = "status.info"
	EventProfilesLoaded = "sites.reloaded"
)

// AnyEvent subscribes to every topic.
const AnyEvent = "*"

// Event is an in-process notification. Relay messages travel between
// contexts sharing one process as EventRelayMessage with the encoded
// message under Payload["raw"].
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id string
	fn EventHandler
}

// EventBus is a synchronous topic publish/subscribe bus.
type EventBus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{topics: make(map[string][]subscription), logger: logger}
}

// On subscribes fn to topic (or AnyEvent) and returns an id for Off.
func (eb *EventBus) On(topic string, fn EventHandler) string {
	id := topic + "-" + uuid.NewString()
	eb.mu.Lock()
	eb.topics[topic] = append(eb.topics[topic], subscription{id: id, fn: fn})
	eb.mu.Unlock()
	return id
}

// Off removes the subscription with the given id.
func (eb *EventBus) Off(topic, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.topics[topic] = slices.DeleteFunc(slices.Clone(eb.topics[topic]), func(s subscription) bool {
		return s.id == id
	})
}

// Emit calls the topic's subscribers and then the wildcard subscribers,
// each in subscription order. A panicking subscriber is logged and skipped.
func (eb *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	eb.mu.RLock()
	subs := slices.Concat(eb.topics[ev.Type], eb.topics[AnyEvent])
	eb.mu.RUnlock()

	for _, s := range subs {
		eb.call(s, ev)
	}
}

func (eb *EventBus) call(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", ev.Type, "handler", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// EmitAsync emits on a new goroutine.
func (eb *EventBus) EmitAsync(ev Event) {
	go eb.Emit(ev)
}
