// Package channel multiplexes one logical message bus over several
// independent transports. Outbound messages fan out to every active
// transport; inbound messages from any transport are normalized and
// dispatched by type on a single goroutine.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"promptrelay/internal/bus"
	"promptrelay/internal/domain"
	"promptrelay/internal/metrics"
)

// MultiplexerConfig configures a Multiplexer.
type MultiplexerConfig struct {
	QueueSize int
	// DedupSize enables receiver-side dedup across channels when > 0.
	DedupSize int
	Logger    *slog.Logger
}

type entry struct {
	name      string
	transport domain.Transport

	mu    sync.Mutex
	state domain.ChannelState

	sent     atomic.Int64
	failures atomic.Int64
	received atomic.Int64
	healthy  atomic.Bool
}

func (e *entry) setState(s domain.ChannelState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *entry) getState() domain.ChannelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Multiplexer implements domain.MessageBus over registered transports.
type Multiplexer struct {
	logger *slog.Logger
	queue  *bus.Queue
	dedup  *Dedup

	mu       sync.RWMutex
	entries  []*entry
	handlers map[string]domain.HandlerFunc

	started  atomic.Bool
	cancel   context.CancelFunc
	sends    sync.WaitGroup
	dispatch sync.WaitGroup
}

// NewMultiplexer creates a Multiplexer with no channels.
func NewMultiplexer(cfg MultiplexerConfig) *Multiplexer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multiplexer{
		logger:   logger,
		queue:    bus.NewQueue(cfg.QueueSize, logger),
		handlers: make(map[string]domain.HandlerFunc),
	}
	if cfg.DedupSize > 0 {
		d, err := NewDedup(cfg.DedupSize)
		if err != nil {
			logger.Warn("dedup disabled", "error", err)
		} else {
			m.dedup = d
		}
	}
	return m
}

// Register appends a transport. A nil transport is omitted.
func (m *Multiplexer) Register(name string, t domain.Transport) {
	if t == nil {
		m.logger.Info("channel omitted", "channel", name)
		return
	}
	e := &entry{name: name, transport: t, state: domain.ChannelDisconnected}
	e.healthy.Store(true)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// RegisterFunc constructs and registers a transport. Constructors that
// fail, including with domain.ErrChannelUnavailable, leave the channel out.
func (m *Multiplexer) RegisterFunc(name string, construct func() (domain.Transport, error)) {
	t, err := construct()
	if err != nil {
		if errors.Is(err, domain.ErrChannelUnavailable) {
			m.logger.Info("channel unavailable in this environment", "channel", name, "reason", err)
		} else {
			m.logger.Warn("channel construction failed", "channel", name, "error", err)
		}
		return
	}
	m.Register(name, t)
}

// Start starts every registered transport and the dispatch loop. A
// transport whose Start fails is marked as errored and skipped.
func (m *Multiplexer) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("multiplexer already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.RUnlock()

	for _, e := range entries {
		e.setState(domain.ChannelConnecting)
		name := e.name
		deliver := func(raw []byte) {
			m.queue.Publish(bus.Delivery{Raw: raw, Channel: name})
		}
		if err := e.transport.Start(ctx, deliver); err != nil {
			e.setState(domain.ChannelError)
			e.healthy.Store(false)
			m.logger.Warn("channel failed to start", "channel", name, "error", err)
			continue
		}
		e.setState(domain.ChannelActive)
		m.logger.Debug("channel active", "channel", name)
	}

	m.dispatch.Add(1)
	go func() {
		defer m.dispatch.Done()
		m.queue.Run(ctx, func(d bus.Delivery) { m.Dispatch(d.Raw, d.Channel) })
	}()
	return nil
}

// Handle registers h for msgType, replacing any previous handler.
func (m *Multiplexer) Handle(msgType string, h domain.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = h
}

func (m *Multiplexer) active() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.getState() == domain.ChannelActive {
			out = append(out, e)
		}
	}
	return out
}

func stamp(msg domain.Message) domain.Message {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.Source = domain.MessageSource
	return msg
}

// Broadcast sends msg on every active channel concurrently. It returns
// immediately; per-channel failures are logged and counted.
func (m *Multiplexer) Broadcast(msg domain.Message) {
	msg = stamp(msg)
	for _, e := range m.active() {
		m.sends.Add(1)
		go func(e *entry) {
			defer m.sends.Done()
			m.send(e, msg)
		}(e)
	}
}

// Reply sends msg on the named channel only.
func (m *Multiplexer) Reply(channel string, msg domain.Message) bool {
	msg = stamp(msg)
	for _, e := range m.active() {
		if e.name == channel {
			return m.send(e, msg)
		}
	}
	m.logger.Debug("reply channel not active", "channel", channel, "type", msg.Type)
	return false
}

func (m *Multiplexer) send(e *entry, msg domain.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("channel send panic", "channel", e.name, "type", msg.Type, "panic", r)
			ok = false
		}
		if ok {
			e.sent.Add(1)
			e.healthy.Store(true)
		} else {
			e.failures.Add(1)
			e.healthy.Store(false)
			m.logger.Warn("channel send failed", "channel", e.name, "type", msg.Type)
		}
		metrics.ChannelSend(e.name, ok)
	}()
	return e.transport.TrySend(msg)
}

// Flush waits for in-flight Broadcast sends.
func (m *Multiplexer) Flush() {
	m.sends.Wait()
}

// Dispatch normalizes one raw inbound object and invokes its handler.
// Malformed, duplicate and unhandled messages are logged and dropped.
func (m *Multiplexer) Dispatch(raw []byte, channel string) {
	m.mu.RLock()
	for _, e := range m.entries {
		if e.name == channel {
			e.received.Add(1)
		}
	}
	m.mu.RUnlock()

	msg, err := domain.DecodeMessage(raw, channel)
	if err != nil {
		metrics.MessagesDropped.Inc()
		m.logger.Warn("dropping malformed message", "channel", channel, "error", err)
		return
	}
	if m.dedup != nil && m.dedup.Seen(msg) {
		metrics.MessagesDropped.Inc()
		m.logger.Debug("dropping duplicate message", "channel", channel, "type", msg.Type)
		return
	}

	m.mu.RLock()
	h, ok := m.handlers[msg.Type]
	m.mu.RUnlock()
	if !ok {
		metrics.MessagesDropped.Inc()
		m.logger.Warn("no handler for message", "channel", channel, "type", msg.Type)
		return
	}

	metrics.MessagesReceived.Inc()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panic", "channel", channel, "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// Status reports every registered channel in registration order.
func (m *Multiplexer) Status() []domain.ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChannelStatus, len(m.entries))
	for i, e := range m.entries {
		out[i] = domain.ChannelStatus{
			Name:     e.name,
			State:    e.getState(),
			Sent:     e.sent.Load(),
			Failures: e.failures.Load(),
			Received: e.received.Load(),
			Healthy:  e.healthy.Load(),
		}
	}
	return out
}

// Close stops dispatch, waits for in-flight sends and closes every
// transport.
func (m *Multiplexer) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.sends.Wait()
	m.dispatch.Wait()
	m.queue.Close()

	m.mu.RLock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
		}
		e.setState(domain.ChannelClosed)
	}
	return errors.Join(errs...)
}

var _ domain.MessageBus = (*Multiplexer)(nil)
