package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"promptrelay/internal/bus"
	"promptrelay/internal/channel"
	"promptrelay/internal/config"
	"promptrelay/internal/metrics"
	"promptrelay/internal/sites"
)

func serveCmd() *cobra.Command {
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub, the relay channels and the injector",
		Long: `Starts the WebSocket hub, connects the configured channels and answers
relay messages (INJECT_PROMPT, HEALTH_CHECK, GET_STATE, ...). Chrome is
launched on the first injection; the window channel bridges every chat
tab opened from then on. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noBrowser)
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "never launch Chrome; inject requests fail")
	return cmd
}

func runServe(noBrowser bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx, stop := signalContext()
	defer stop()

	opener := &lazyBrowser{bridge: newBridge(cfg), ctx: ctx}
	defer opener.bridge.Close()

	r := newRelay(cfg, kv, openerFor(opener, noBrowser), logger)
	r.events.On(bus.AnyEvent, func(ev bus.Event) {
		if ev.Type == bus.EventRelayMessage {
			return
		}
		logger.Debug("event", "type", ev.Type, "payload", ev.Payload)
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Hub.Enabled {
		hub := channel.NewHub(channel.HubConfig{
			Store:         kv,
			SweepInterval: cfg.Hub.SweepInterval(),
			IdleTimeout:   cfg.Hub.IdleTimeout(),
			RateLimit:     cfg.Hub.RateLimitPerSecond,
			Burst:         cfg.Hub.Burst,
			Logger:        logger,
		})
		srv, ln, err := listenHTTP(cfg, hub)
		if err != nil {
			return err
		}
		logger.Info("hub listening", "addr", ln.Addr().String(), "metrics", cfg.Metrics.Enabled)

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("hub server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hub.Close()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
	}

	if cfg.Sites.Watch && cfg.Sites.File != "" {
		if _, err := os.Stat(filepath.Dir(cfg.Sites.File)); err == nil {
			g.Go(func() error {
				err := r.sites.Watch(gctx, cfg.Sites.File, logger, func(p []sites.Profile) {
					r.events.Emit(bus.Event{
						Type:    bus.EventProfilesLoaded,
						Source:  "serve",
						Payload: map[string]any{"count": len(p)},
					})
				})
				if err != nil {
					logger.Warn("site profile watch stopped", "error", err)
				}
				return nil
			})
		}
	}

	var tabs channel.TabNotifier
	if !noBrowser {
		tabs = opener.bridge
	}
	r.registerChannels(tabs)
	if err := r.start(gctx); err != nil {
		return err
	}
	for _, st := range r.mux.Status() {
		logger.Info("channel", "name", st.Name, "state", st.State)
	}
	logger.Info("relay started. Press Ctrl+C to stop.", "version", version)

	<-gctx.Done()
	logger.Info("shutting down relay...")
	r.close()
	return g.Wait()
}

// listenHTTP binds the hub address and routes /ws and /metrics.
func listenHTTP(cfg *config.Config, hub *channel.Hub) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Collector.Handler())
	}
	ln, err := net.Listen("tcp", cfg.Hub.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("hub listen %s: %w", cfg.Hub.Listen, err)
	}
	return &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}, ln, nil
}
