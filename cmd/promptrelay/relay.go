package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"promptrelay/internal/browser"
	"promptrelay/internal/bus"
	"promptrelay/internal/channel"
	"promptrelay/internal/config"
	"promptrelay/internal/domain"
	"promptrelay/internal/guardian"
	"promptrelay/internal/health"
	"promptrelay/internal/inject"
	"promptrelay/internal/sites"
	"promptrelay/internal/telemetry"
)

// relay is one relay context: multiplexer, engine and guardian over a
// shared store.
type relay struct {
	cfg      *config.Config
	store    domain.KVStore
	events   *bus.EventBus
	mux      *channel.Multiplexer
	engine   *inject.Engine
	guardian *guardian.Guardian
	sites    *sites.Registry
	health   *health.Checker
	stats    *telemetry.Store
	logger   *slog.Logger
}

func newRelay(cfg *config.Config, kv domain.KVStore, opener guardian.PageOpener, logger *slog.Logger) *relay {
	registry := loadSites(cfg, logger)

	events := bus.NewEventBus(logger)
	stats := telemetry.NewStore(kv, logger)
	mux := channel.NewMultiplexer(channel.MultiplexerConfig{
		QueueSize: cfg.Channels.QueueSize,
		DedupSize: cfg.Channels.DedupSize,
		Logger:    logger,
	})

	inj := cfg.Injection
	engine := inject.NewEngine(inject.EngineConfig{
		Strategies: inject.DefaultStrategies(inject.Options{
			Selectors:     registry.Selectors,
			VerifyDelay:   inj.VerifyDelay(),
			Typing:        inject.TypingDelay{Min: inj.TypingMin(), Jitter: inj.TypingJitter()},
			AppearTimeout: inj.AppearTimeout(),
			Disabled:      inj.Disabled,
			Retry:         inject.RetryPolicy{MaxAttempts: inj.RetryAttempts, Delay: inj.RetryBackoff()},
			Logger:        logger,
		}),
		Sender:   mux,
		Recorder: stats,
		Logger:   logger,
	})

	checker := health.NewChecker(health.CheckerConfig{
		Timeout:  time.Duration(cfg.Health.TimeoutSec) * time.Second,
		CacheTTL: time.Duration(cfg.Health.CacheTTLSec) * time.Second,
		Logger:   logger,
	})

	g := guardian.New(guardian.Config{
		Engine:   engine,
		Bus:      mux,
		Opener:   opener,
		Store:    kv,
		Stats:    stats,
		Sites:    registry,
		Health:   checker,
		Reporter: guardian.EventReporter{Events: events},
		Logger:   logger,
	})

	return &relay{
		cfg: cfg, store: kv, events: events, mux: mux, engine: engine, guardian: g,
		sites: registry, health: checker, stats: stats, logger: logger,
	}
}

// registerChannels adds the configured transports. tabs announces the
// browser tabs the window channel bridges; nil leaves it out.
func (r *relay) registerChannels(tabs channel.TabNotifier) {
	ch := r.cfg.Channels
	if ch.Broadcast.Enabled {
		r.mux.Register("broadcast", channel.NewBroadcastChannel(r.events, r.logger))
	}
	if ch.Storage.Enabled {
		r.mux.Register("storage", channel.NewStorageChannel(channel.StorageConfig{
			Store:        r.store,
			PollInterval: ch.Storage.PollInterval(),
			Logger:       r.logger,
		}))
	}
	if ch.Worker.Enabled {
		r.mux.RegisterFunc("worker", func() (domain.Transport, error) {
			url := ch.Worker.URL
			if url == "" && r.cfg.Hub.Enabled {
				url = r.cfg.Hub.URL()
			}
			return channel.NewWorkerPort(channel.WorkerConfig{URL: url, Logger: r.logger})
		})
	}
	if ch.Peer.Enabled {
		r.mux.RegisterFunc("peer", func() (domain.Transport, error) {
			return channel.NewPeer(channel.PeerConfig{Store: r.store, ListenAddr: ch.Peer.Listen, Logger: r.logger})
		})
	}
	if ch.Window.Enabled && tabs != nil {
		r.mux.RegisterFunc("window", func() (domain.Transport, error) {
			return channel.NewWindowChannel(channel.WindowConfig{
				Tabs:           tabs,
				TrustedOrigins: ch.Window.TrustedOrigins,
				Logger:         r.logger,
			})
		})
	}
}

// start brings the channels up and attaches the guardian's handlers.
func (r *relay) start(ctx context.Context) error {
	r.guardian.Attach(ctx)
	if err := r.mux.Start(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	return nil
}

// close waits for handler launches, then stops the channels.
func (r *relay) close() {
	r.guardian.Wait()
	r.mux.Flush()
	if err := r.mux.Close(); err != nil {
		r.logger.Debug("close channels", "error", err)
	}
}

// lazyBrowser starts Chrome on the first page open.
type lazyBrowser struct {
	bridge *browser.Bridge
	ctx    context.Context

	mu      sync.Mutex
	started bool
}

func (l *lazyBrowser) Open(ctx context.Context, site domain.TargetSite) (domain.Document, func(), error) {
	if err := l.ensure(); err != nil {
		return nil, nil, err
	}
	return l.bridge.Open(ctx, site)
}

func (l *lazyBrowser) ensure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.bridge.Start(l.ctx); err != nil {
		return err
	}
	l.started = true
	return nil
}

type noBrowser struct{}

func (noBrowser) Open(context.Context, domain.TargetSite) (domain.Document, func(), error) {
	return nil, nil, errBrowserDisabled
}

var errBrowserDisabled = errors.New("browser disabled (--no-browser)")

func openerFor(l *lazyBrowser, disabled bool) guardian.PageOpener {
	if disabled {
		return noBrowser{}
	}
	return l
}

func newBridge(cfg *config.Config) *browser.Bridge {
	return browser.NewBridge(browser.BridgeConfig{
		ProfileDir:  cfg.Browser.ProfileDir,
		Headless:    cfg.Browser.Headless,
		RemoteURL:   cfg.Browser.RemoteURL,
		LoadTimeout: time.Duration(cfg.Browser.LoadTimeoutSec) * time.Second,
		Logger:      logger,
	})
}
