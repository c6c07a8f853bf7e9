package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"promptrelay/internal/domain"
)

const writeTimeout = 5 * time.Second

// WorkerConfig configures a WorkerPort.
type WorkerConfig struct {
	URL    string // hub endpoint, e.g. ws://127.0.0.1:8765/ws
	Site   string // reported to the hub for SITE_RELAY routing
	Logger *slog.Logger
}

// WorkerPort is a client connection to the persistent Hub.
type WorkerPort struct {
	url    string
	site   string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewWorkerPort creates a hub client. It does not dial until Start.
func NewWorkerPort(cfg WorkerConfig) (*WorkerPort, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("worker port: no hub url: %w", domain.ErrChannelUnavailable)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("worker port: %w", err)
	}
	return &WorkerPort{url: cfg.URL, site: cfg.Site, logger: cfg.Logger, done: make(chan struct{})}, nil
}

func (w *WorkerPort) Name() string { return "worker" }

func (w *WorkerPort) Start(ctx context.Context, deliver func(raw []byte)) error {
	u, _ := url.Parse(w.url)
	if w.site != "" {
		q := u.Query()
		q.Set("site", w.site)
		u.RawQuery = q.Encode()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		conn.Close()
	}()
	go func() {
		defer w.wg.Done()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
					w.logger.Warn("hub connection lost", "error", err)
				}
				return
			}
			deliver(data)
		}
	}()
	return nil
}

func (w *WorkerPort) TrySend(msg domain.Message) bool {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.logger.Debug("hub write failed", "error", err)
		return false
	}
	return true
}

func (w *WorkerPort) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		w.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
	}
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}
