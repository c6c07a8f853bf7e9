package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"promptrelay/internal/domain"
)

// PeerConfig configures a Peer.
type PeerConfig struct {
	Store         domain.KVStore
	ListenAddr    string        // default 127.0.0.1:0
	OfferTTL      time.Duration // offers older than this are ignored; default 2m
	CheckInterval time.Duration // signalling poll period; default 1s
	Logger        *slog.Logger
}

type peerOffer struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

type peerAnswer struct {
	OfferID   string `json:"offerId"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Peer is a point-to-point WebSocket link between two relay processes.
// Signalling goes through the shared store: a peer with no live offer to
// answer publishes its own offer and accepts the first peer that dials it.
type Peer struct {
	id       string
	store    domain.KVStore
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	deliver func(raw []byte)
	writeMu sync.Mutex

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewPeer opens the peer's listener. If it cannot listen the channel is
// unavailable.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("peer: no signalling store: %w", domain.ErrChannelUnavailable)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 2 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("peer listen %s: %v: %w", cfg.ListenAddr, err, domain.ErrChannelUnavailable)
	}
	p := &Peer{
		id:       uuid.NewString(),
		store:    cfg.Store,
		ttl:      cfg.OfferTTL,
		interval: cfg.CheckInterval,
		logger:   cfg.Logger,
		listener: ln,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", p.accept)
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return p, nil
}

func (p *Peer) Name() string { return "peer" }

// URL is the endpoint other peers dial.
func (p *Peer) URL() string { return "ws://" + p.listener.Addr().String() + "/peer" }

// Connected reports whether a remote peer is attached.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Peer) Start(ctx context.Context, deliver func(raw []byte)) error {
	p.mu.Lock()
	p.deliver = deliver
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Warn("peer server stopped", "error", err)
		}
	}()

	if err := p.negotiate(ctx); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.watch(ctx)
	return nil
}

// negotiate answers a live foreign offer or publishes our own.
func (p *Peer) negotiate(ctx context.Context) error {
	if offer, ok := p.readOffer(ctx); ok && offer.ID != p.id {
		err := p.dial(ctx, offer)
		if err == nil {
			return nil
		}
		p.logger.Debug("peer offer unreachable, publishing own", "offer", offer.ID, "error", err)
	}
	return p.publishOffer(ctx)
}

func (p *Peer) readOffer(ctx context.Context) (peerOffer, bool) {
	raw, ok, err := p.store.Get(ctx, domain.KeyPeerOffer)
	if err != nil || !ok {
		return peerOffer{}, false
	}
	var offer peerOffer
	if err := json.Unmarshal([]byte(raw), &offer); err != nil || offer.URL == "" {
		return peerOffer{}, false
	}
	if time.Since(time.UnixMilli(offer.Timestamp)) > p.ttl {
		return peerOffer{}, false
	}
	return offer, true
}

func (p *Peer) publishOffer(ctx context.Context) error {
	data, _ := json.Marshal(peerOffer{ID: p.id, URL: p.URL(), Timestamp: time.Now().UnixMilli()})
	if err := p.store.Set(ctx, domain.KeyPeerOffer, string(data)); err != nil {
		return fmt.Errorf("publish peer offer: %w", err)
	}
	return nil
}

func (p *Peer) dial(ctx context.Context, offer peerOffer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, offer.URL, nil)
	if err != nil {
		return err
	}
	if !p.attach(conn) {
		conn.Close()
		return errors.New("already connected")
	}
	data, _ := json.Marshal(peerAnswer{OfferID: offer.ID, ID: p.id, Timestamp: time.Now().UnixMilli()})
	if err := p.store.Set(ctx, domain.KeyPeerAnswer, string(data)); err != nil {
		p.logger.Debug("peer answer not stored", "error", err)
	}
	p.logger.Info("peer connected", "role", "answer", "remote", offer.ID)
	return nil
}

func (p *Peer) accept(w http.ResponseWriter, r *http.Request) {
	if p.Connected() {
		http.Error(w, "peer already connected", http.StatusConflict)
		return
	}
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Debug("peer upgrade failed", "error", err)
		return
	}
	if !p.attach(conn) {
		conn.Close()
		return
	}
	p.logger.Info("peer connected", "role", "offer")
}

// attach installs conn as the active link and starts its read loop.
func (p *Peer) attach(conn *websocket.Conn) bool {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return false
	}
	p.conn = conn
	deliver := p.deliver
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.detach(conn)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if deliver != nil {
				deliver(data)
			}
		}
	}()
	return true
}

func (p *Peer) detach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
}

// watch completes signalling once answered and renegotiates after the
// link drops.
func (p *Peer) watch(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
		}

		if p.Connected() {
			p.clearAnswered(ctx)
			continue
		}
		offer, ok := p.readOffer(ctx)
		if ok && offer.ID == p.id {
			continue
		}
		if err := p.negotiate(ctx); err != nil {
			p.logger.Debug("peer renegotiation failed", "error", err)
		}
	}
}

// clearAnswered removes our offer and its answer once a peer has attached.
func (p *Peer) clearAnswered(ctx context.Context) {
	raw, ok, err := p.store.Get(ctx, domain.KeyPeerAnswer)
	if err != nil || !ok {
		return
	}
	var ans peerAnswer
	if json.Unmarshal([]byte(raw), &ans) != nil || ans.OfferID != p.id {
		return
	}
	_ = p.store.Delete(ctx, domain.KeyPeerAnswer)
	if offer, ok := p.readOffer(ctx); ok && offer.ID == p.id {
		_ = p.store.Delete(ctx, domain.KeyPeerOffer)
	}
}

func (p *Peer) TrySend(msg domain.Message) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (p *Peer) Close() error {
	p.once.Do(func() { close(p.done) })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if offer, ok := p.readOffer(ctx); ok && offer.ID == p.id {
		_ = p.store.Delete(ctx, domain.KeyPeerOffer)
	}
	err := p.server.Close()
	p.listener.Close()
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return err
}
