package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"promptrelay/internal/domain"
	"promptrelay/internal/metrics"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
)

// HubConfig configures the persistent Hub.
type HubConfig struct {
	// Store persists the shared prompt on UPDATE_PROMPT; may be nil.
	Store         domain.KVStore
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	// RateLimit is the per-connection inbound message rate; 0 disables.
	RateLimit float64
	Burst     int
	Logger    *slog.Logger
}

// Connection is one entry in the hub's registry.
type Connection struct {
	ID           string    `json:"id"`
	Site         string    `json:"site,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// SiteStats is the hub's running tally of injection results for one site.
type SiteStats struct {
	Attempts      int            `json:"attempts"`
	Successes     int            `json:"successes"`
	Failures      int            `json:"failures"`
	Methods       map[string]int `json:"methods"`
	FailedMethods map[string]int `json:"failedMethods"`
	LastError     string         `json:"lastError,omitempty"`
}

type hubConn struct {
	id          string
	site        string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time
	lastActive  atomic.Int64 // unix nanos
	limiter     *rate.Limiter
}

func (c *hubConn) touch(now time.Time) { c.lastActive.Store(now.UnixNano()) }

func (c *hubConn) info() Connection {
	return Connection{
		ID:           c.id,
		Site:         c.site,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActive.Load()),
	}
}

// Hub is the persistent worker shared by every relay context. It keeps a
// connection registry and the shared prompt, stats and channel state, and
// relays messages between connected clients over WebSocket.
type Hub struct {
	store    domain.KVStore
	sweep    time.Duration
	idle     time.Duration
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*hubConn
	prompt   string
	stats    map[string]*SiteStats
	channels map[string]any
	closed   bool
	wg       sync.WaitGroup
}

// NewHub creates a Hub. Serve it with ServeHTTP and start the sweeper
// with Run.
func NewHub(cfg HubConfig) *Hub {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:   cfg.Store,
		sweep:   cfg.SweepInterval,
		idle:    cfg.IdleTimeout,
		limit:   rate.Limit(cfg.RateLimit),
		burst:   cfg.Burst,
		logger:  logger,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]*hubConn),
		stats:    make(map[string]*SiteStats),
		channels: make(map[string]any),
	}
}

// Run loads the persisted prompt and sweeps idle connections until ctx is
// done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	if h.store != nil {
		if p, ok, err := h.store.Get(ctx, domain.KeyPrompt); err == nil && ok {
			h.mu.Lock()
			h.prompt = p
			h.mu.Unlock()
		}
	}

	ticker := time.NewTicker(h.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case now := <-ticker.C:
			h.Sweep(now)
		}
	}
}

// ServeHTTP upgrades the request and serves one hub connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("hub upgrade failed", "error", err)
		return
	}

	now := time.Now()
	c := &hubConn{
		id:          uuid.NewString(),
		site:        r.URL.Query().Get("site"),
		conn:        ws,
		connectedAt: now,
	}
	c.touch(now)
	if h.limit > 0 {
		c.limiter = rate.NewLimiter(h.limit, h.burst)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.HubConnections.Set(int64(n))

	h.logger.Info("hub connection opened", "connection_id", c.id, "site", c.site, "connections", n)

	h.send(c, domain.NewMessage(domain.MsgWorkerConnected, map[string]any{
		"connectionId": c.id,
		"state":        h.snapshot(),
	}))
	h.sendOthers(c.id, domain.NewMessage(domain.MsgNewConnection, map[string]any{
		"connectionId": c.id,
		"site":         c.site,
	}))

	defer h.remove(c.id, false)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("hub read error", "connection_id", c.id, "error", err)
			}
			return
		}
		c.touch(time.Now())
		if c.limiter != nil && !c.limiter.Allow() {
			metrics.MessagesDropped.Inc()
			h.logger.Warn("hub rate limit exceeded, dropping message", "connection_id", c.id)
			continue
		}
		msg, err := domain.DecodeMessage(data, "worker")
		if err != nil {
			h.logger.Warn("hub dropping malformed message", "connection_id", c.id, "error", err)
			continue
		}
		if stop := h.handle(c, msg); stop {
			return
		}
	}
}

// handle processes one client message and reports whether the
// connection should close.
func (h *Hub) handle(c *hubConn, msg domain.Message) bool {
	switch msg.Type {
	case domain.MsgUpdatePrompt:
		prompt := msg.String("prompt")
		h.mu.Lock()
		h.prompt = prompt
		h.mu.Unlock()
		if h.store != nil {
			if err := h.store.Set(context.Background(), domain.KeyPrompt, prompt); err != nil {
				h.logger.Warn("persist prompt failed", "error", err)
			}
		}
		h.sendAll(domain.NewMessage(domain.MsgPromptUpdated, map[string]any{"prompt": prompt}))

	case domain.MsgInjectCommand:
		h.sendAll(domain.NewMessage(domain.MsgInjectPrompt, map[string]any{
			"prompt":     msg.Payload["prompt"],
			"targetSite": msg.Payload["targetSite"],
		}))

	case domain.MsgInjectionResult:
		h.recordResult(msg)
		h.sendAll(domain.NewMessage(domain.MsgStatsUpdated, map[string]any{"stats": h.statsCopy()}))

	case domain.MsgChannelStatus:
		h.mu.Lock()
		h.channels[c.id] = msg.Payload["channels"]
		channels := make(map[string]any, len(h.channels))
		for k, v := range h.channels {
			channels[k] = v
		}
		h.mu.Unlock()
		h.sendAll(domain.NewMessage(domain.MsgChannelsUpdated, map[string]any{"channels": channels}))

	case domain.MsgGetState:
		h.send(c, domain.NewMessage(domain.MsgStateResponse, map[string]any{"state": h.snapshot()}))

	case domain.MsgBroadcast:
		payload := msg.Map("payload")
		if payload == nil {
			h.logger.Debug("broadcast without payload", "connection_id", c.id)
			return false
		}
		out := make(map[string]any, len(payload)+2)
		for k, v := range payload {
			out[k] = v
		}
		out["_source"] = c.id
		out["_broadcast"] = true
		h.sendRawOthers(c.id, out)

	case domain.MsgHealthCheck:
		h.mu.RLock()
		n := len(h.conns)
		h.mu.RUnlock()
		h.send(c, domain.NewMessage(domain.MsgHealthResponse, map[string]any{
			"status":      "healthy",
			"connections": n,
			"uptime":      time.Since(h.started).Milliseconds(),
		}))

	case domain.MsgCleanup:
		h.Sweep(time.Now())

	case domain.MsgDisconnect:
		h.remove(c.id, true)
		return true

	case domain.MsgSyncRequest:
		h.send(c, domain.NewMessage(domain.MsgSyncResponse, map[string]any{"state": h.snapshot()}))
		if site := msg.String("fromSite"); site != "" {
			h.sendOthers(c.id, domain.NewMessage(domain.MsgSiteConnected, map[string]any{
				"site":         site,
				"connectionId": c.id,
			}))
		}

	case domain.MsgRelayToSite:
		target := msg.String("targetSite")
		relay := domain.NewMessage(domain.MsgSiteRelay, map[string]any{
			"payload":  msg.Payload["payload"],
			"fromSite": c.site,
		})
		for _, t := range h.targets(func(o *hubConn) bool { return o.id != c.id && o.site == target }) {
			h.send(t, relay)
		}

	default:
		h.logger.Debug("hub ignoring message", "type", msg.Type, "connection_id", c.id)
	}
	return false
}

func (h *Hub) recordResult(msg domain.Message) {
	site := msg.String("site")
	if site == "" {
		site = "unknown"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats[site]
	if st == nil {
		st = &SiteStats{Methods: map[string]int{}, FailedMethods: map[string]int{}}
		h.stats[site] = st
	}
	st.Attempts++
	if msg.Bool("success") {
		st.Successes++
		if m := msg.String("method"); m != "" {
			st.Methods[m]++
		}
		return
	}
	st.Failures++
	st.LastError = msg.String("error")
	if failed, ok := msg.Payload["failedMethods"].([]any); ok {
		for _, f := range failed {
			if s, ok := f.(string); ok {
				st.FailedMethods[s]++
			}
		}
	}
}

func (h *Hub) statsCopy() map[string]SiteStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]SiteStats, len(h.stats))
	for site, st := range h.stats {
		cp := *st
		cp.Methods = make(map[string]int, len(st.Methods))
		for k, v := range st.Methods {
			cp.Methods[k] = v
		}
		cp.FailedMethods = make(map[string]int, len(st.FailedMethods))
		for k, v := range st.FailedMethods {
			cp.FailedMethods[k] = v
		}
		out[site] = cp
	}
	return out
}

func (h *Hub) snapshot() map[string]any {
	stats := h.statsCopy()
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"prompt":      h.prompt,
		"stats":       stats,
		"connections": len(h.conns),
	}
}

// Connections returns the registry sorted by connection time.
func (h *Hub) Connections() []Connection {
	h.mu.RLock()
	out := make([]Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Sweep removes connections idle longer than the idle timeout as of now
// and reports how many were removed.
func (h *Hub) Sweep(now time.Time) int {
	cutoff := now.Add(-h.idle).UnixNano()
	var stale []*hubConn

	h.mu.Lock()
	for id, c := range h.conns {
		if c.lastActive.Load() < cutoff {
			stale = append(stale, c)
			delete(h.conns, id)
		}
	}
	remaining := len(h.conns)
	h.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	for _, c := range stale {
		c.conn.Close()
	}
	metrics.HubConnections.Set(int64(remaining))
	h.logger.Info("hub pruned idle connections", "removed", len(stale), "remaining", remaining)
	h.sendAll(domain.NewMessage(domain.MsgConnectionsCleaned, map[string]any{
		"removed":   len(stale),
		"remaining": remaining,
	}))
	return len(stale)
}

func (h *Hub) remove(id string, notify bool) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	n := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.conn.Close()
	metrics.HubConnections.Set(int64(n))
	h.logger.Info("hub connection closed", "connection_id", id, "connections", n)
	if notify {
		h.sendAll(domain.NewMessage(domain.MsgConnectionClosed, map[string]any{"connectionId": id}))
	}
}

func (h *Hub) targets(keep func(*hubConn) bool) []*hubConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) sendAll(msg domain.Message) {
	for _, c := range h.targets(func(*hubConn) bool { return true }) {
		h.send(c, msg)
	}
}

func (h *Hub) sendOthers(except string, msg domain.Message) {
	for _, c := range h.targets(func(o *hubConn) bool { return o.id != except }) {
		h.send(c, msg)
	}
}

func (h *Hub) sendRawOthers(except string, obj map[string]any) {
	data, err := json.Marshal(obj)
	if err != nil {
		return
	}
	for _, c := range h.targets(func(o *hubConn) bool { return o.id != except }) {
		h.write(c, data)
	}
}

func (h *Hub) send(c *hubConn, msg domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Debug("hub encode failed", "type", msg.Type, "error", err)
		return
	}
	h.write(c, data)
}

// write sends data to c; a failed write drops the connection.
func (h *Hub) write(c *hubConn, data []byte) {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		h.logger.Debug("hub write failed, dropping connection", "connection_id", c.id, "error", err)
		h.remove(c.id, false)
	}
}

// Close closes every connection and waits for their handlers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, c := range h.conns {
		c.conn.Close()
		delete(h.conns, id)
	}
	h.mu.Unlock()
	metrics.HubConnections.Set(0)
	h.wg.Wait()
}
