package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"promptrelay/internal/bus"
	"promptrelay/internal/domain"
)

// BroadcastChannel relays messages between multiplexers in one process
// over a shared EventBus. A context never receives its own messages.
type BroadcastChannel struct {
	events *bus.EventBus
	origin string
	logger *slog.Logger

	mu        sync.Mutex
	handlerID string
}

// NewBroadcastChannel creates a broadcast transport on events.
func NewBroadcastChannel(events *bus.EventBus, logger *slog.Logger) *BroadcastChannel {
	return &BroadcastChannel{events: events, origin: uuid.NewString(), logger: logger}
}

func (b *BroadcastChannel) Name() string { return "broadcast" }

func (b *BroadcastChannel) Start(ctx context.Context, deliver func(raw []byte)) error {
	id := b.events.On(bus.EventRelayMessage, func(ev bus.Event) {
		if ev.Source == b.origin {
			return
		}
		raw, ok := ev.Payload["raw"].([]byte)
		if !ok {
			return
		}
		deliver(raw)
	})
	b.mu.Lock()
	b.handlerID = id
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe()
	}()
	return nil
}

func (b *BroadcastChannel) TrySend(msg domain.Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Debug("broadcast encode failed", "error", err)
		return false
	}
	b.events.EmitAsync(bus.Event{
		Type:    bus.EventRelayMessage,
		Source:  b.origin,
		Payload: map[string]any{"raw": raw},
	})
	return true
}

func (b *BroadcastChannel) unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlerID != "" {
		b.events.Off(bus.EventRelayMessage, b.handlerID)
		b.handlerID = ""
	}
}

func (b *BroadcastChannel) Close() error {
	b.unsubscribe()
	return nil
}
