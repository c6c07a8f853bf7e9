package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptrelay/internal/domain"
)

// DefaultPollInterval is the storage channel's polling period.
const DefaultPollInterval = 100 * time.Millisecond

// StorageConfig configures a StorageChannel.
type StorageConfig struct {
	Store        domain.KVStore
	PollInterval time.Duration
	Logger       *slog.Logger
}

// StorageChannel passes messages through the shared key-value store. The
// sender writes the command and then a fresh id sentinel; receivers poll
// the sentinel and read the command when it changes. Concurrent senders
// overwrite each other; it is the channel of last resort.
type StorageChannel struct {
	store    domain.KVStore
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	lastID     string
	lastInject string
	sent       map[string]bool
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewStorageChannel creates a storage transport.
func NewStorageChannel(cfg StorageConfig) *StorageChannel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &StorageChannel{
		store:    cfg.Store,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		sent:     make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (s *StorageChannel) Name() string { return "storage" }

// Start records the current sentinels so stale commands are not replayed,
// then polls until ctx is done or the channel is closed.
func (s *StorageChannel) Start(ctx context.Context, deliver func(raw []byte)) error {
	if s.store == nil {
		return fmt.Errorf("storage channel: %w", domain.ErrChannelUnavailable)
	}
	id, _, err := s.store.Get(ctx, domain.KeyCommandID)
	if err != nil {
		return fmt.Errorf("read command id: %w", err)
	}
	injectID, _, err := s.store.Get(ctx, domain.KeyInjectID)
	if err != nil {
		return fmt.Errorf("read inject id: %w", err)
	}
	s.mu.Lock()
	s.lastID, s.lastInject = id, injectID
	s.mu.Unlock()

	s.wg.Add(1)
	go s.poll(ctx, deliver)
	return nil
}

func (s *StorageChannel) poll(ctx context.Context, deliver func(raw []byte)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.checkCommand(ctx, deliver)
			s.checkInject(ctx, deliver)
		}
	}
}

func (s *StorageChannel) checkCommand(ctx context.Context, deliver func(raw []byte)) {
	id, ok, err := s.store.Get(ctx, domain.KeyCommandID)
	if err != nil || !ok {
		return
	}
	s.mu.Lock()
	if id == s.lastID {
		s.mu.Unlock()
		return
	}
	s.lastID = id
	own := s.sent[id]
	delete(s.sent, id)
	s.mu.Unlock()
	if own {
		return
	}

	raw, ok, err := s.store.Get(ctx, domain.KeyCommand)
	if err != nil || !ok {
		return
	}
	deliver([]byte(raw))
}

// checkInject converts the legacy inject command into INJECT_PROMPT.
func (s *StorageChannel) checkInject(ctx context.Context, deliver func(raw []byte)) {
	id, ok, err := s.store.Get(ctx, domain.KeyInjectID)
	if err != nil || !ok {
		return
	}
	s.mu.Lock()
	if id == s.lastInject {
		s.mu.Unlock()
		return
	}
	s.lastInject = id
	s.mu.Unlock()

	raw, ok, err := s.store.Get(ctx, domain.KeyInjectCommand)
	if err != nil || !ok {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		s.logger.Warn("unreadable inject command", "error", err)
		return
	}
	if t, _ := obj["type"].(string); t != "" && t != domain.MsgInject {
		s.logger.Debug("ignoring inject command", "type", t)
		return
	}
	obj["type"] = domain.MsgInjectPrompt
	data, err := json.Marshal(obj)
	if err != nil {
		return
	}
	deliver(data)
}

// newCommandID returns a unique, time-ordered sentinel.
func newCommandID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func (s *StorageChannel) TrySend(msg domain.Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := newCommandID()
	s.mu.Lock()
	if len(s.sent) > 64 {
		clear(s.sent)
	}
	s.sent[id] = true
	s.mu.Unlock()

	if err := s.store.Set(ctx, domain.KeyCommand, string(raw)); err != nil {
		s.logger.Debug("storage send failed", "error", err)
		return false
	}
	if err := s.store.Set(ctx, domain.KeyCommandID, id); err != nil {
		s.logger.Debug("storage send failed", "error", err)
		return false
	}
	if responseTypes[msg.Type] {
		if err := writeResponse(ctx, s.store, raw); err != nil {
			s.logger.Debug("storage response mirror failed", "error", err)
		}
	}
	return true
}

// responseTypes are mirrored to the response keys so a context without a
// running receiver can wait for the answer to its command.
var responseTypes = map[string]bool{
	domain.MsgInjectionSuccess: true,
	domain.MsgInjectionFailed:  true,
	domain.MsgInjectionResult:  true,
	domain.MsgStateResponse:    true,
	domain.MsgSyncResponse:     true,
	domain.MsgHealthResponse:   true,
	domain.MsgStatsReport:      true,
	domain.MsgContentExtracted: true,
}

func writeResponse(ctx context.Context, store domain.KVStore, raw []byte) error {
	if err := store.Set(ctx, domain.KeyResponse, string(raw)); err != nil {
		return err
	}
	return store.Set(ctx, domain.KeyResponseID, newCommandID())
}

// LastResponseID returns the current response sentinel. Pass it to
// WaitResponse so earlier responses are not mistaken for the answer.
func LastResponseID(ctx context.Context, store domain.KVStore) (string, error) {
	id, _, err := store.Get(ctx, domain.KeyResponseID)
	if err != nil {
		return "", fmt.Errorf("read response id: %w", err)
	}
	return id, nil
}

// WaitResponse polls the response keys until a response newer than
// afterID satisfies match, or ctx is done.
func WaitResponse(ctx context.Context, store domain.KVStore, afterID string, interval time.Duration, match func(domain.Message) bool) (domain.Message, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := afterID
	for {
		select {
		case <-ctx.Done():
			return domain.Message{}, fmt.Errorf("wait for response: %w", ctx.Err())
		case <-ticker.C:
		}
		id, ok, err := store.Get(ctx, domain.KeyResponseID)
		if err != nil || !ok || id == last {
			continue
		}
		last = id
		raw, ok, err := store.Get(ctx, domain.KeyResponse)
		if err != nil || !ok {
			continue
		}
		msg, err := domain.DecodeMessage([]byte(raw), "storage")
		if err != nil {
			continue
		}
		if match == nil || match(msg) {
			return msg, nil
		}
	}
}

// WriteInject stores a legacy inject command for any polling context.
func WriteInject(ctx context.Context, store domain.KVStore, prompt string, site domain.TargetSite) error {
	data, err := json.Marshal(map[string]any{
		"type":       domain.MsgInject,
		"prompt":     prompt,
		"targetSite": site.URL,
		"timestamp":  time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := store.Set(ctx, domain.KeyInjectCommand, string(data)); err != nil {
		return fmt.Errorf("write inject command: %w", err)
	}
	if err := store.Set(ctx, domain.KeyInjectID, newCommandID()); err != nil {
		return fmt.Errorf("write inject id: %w", err)
	}
	return nil
}

func (s *StorageChannel) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}
