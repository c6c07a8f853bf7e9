// Package guardian is the relay's entry point. It ties the injection
// engine, the channel multiplexer, telemetry and the page opener together
// and answers the protocol's request messages.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"promptrelay/internal/domain"
	"promptrelay/internal/health"
	"promptrelay/internal/sites"
	"promptrelay/internal/telemetry"
)

// PageOpener opens or activates the tab for a site. release detaches from
// the page without closing it.
type PageOpener interface {
	Open(ctx context.Context, site domain.TargetSite) (doc domain.Document, release func(), err error)
}

// Injector runs the injection strategies against one page.
type Injector interface {
	InjectPrompt(ctx context.Context, doc domain.Document, prompt string, site domain.TargetSite) (bool, domain.Outcome)
	StrategyIDs() []string
	LastOutcome() (domain.Outcome, bool)
}

// Config holds the collaborators of a Guardian. Bus, Engine and Opener are
// required.
type Config struct {
	Engine   Injector
	Bus      domain.MessageBus
	Opener   PageOpener
	Store    domain.KVStore    // prompt persistence; may be nil
	Stats    *telemetry.Store  // GET_STATS; may be nil
	Sites    *sites.Registry   // target resolution and extraction selectors; may be nil
	Health   *health.Checker   // site probes in HEALTH_CHECK; may be nil
	Reporter StatusReporter
	Logger   *slog.Logger
}

// Guardian is the façade in front of the relay core.
type Guardian struct {
	engine   Injector
	bus      domain.MessageBus
	opener   PageOpener
	store    domain.KVStore
	stats    *telemetry.Store
	sites    *sites.Registry
	health   *health.Checker
	reporter StatusReporter
	logger   *slog.Logger
	started  time.Time

	mu         sync.Mutex
	base       context.Context
	lastRemote map[string]any // last INJECTION_* result seen from another context
	lastLogged resultKey
	wg         sync.WaitGroup
}

// New creates a Guardian.
func New(cfg Config) *Guardian {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}
	if cfg.Sites == nil {
		cfg.Sites = sites.NewRegistry()
	}
	return &Guardian{
		engine:   cfg.Engine,
		bus:      cfg.Bus,
		opener:   cfg.Opener,
		store:    cfg.Store,
		stats:    cfg.Stats,
		sites:    cfg.Sites,
		health:   cfg.Health,
		reporter: cfg.Reporter,
		logger:   cfg.Logger.With("component", "guardian"),
		started:  time.Now(),
		base:     context.Background(),
	}
}

// Launch persists prompt, opens the site and injects the prompt into it.
// The outcome is broadcast as INJECTION_RESULT. The only error returned is
// domain.ErrAllStrategiesExhausted.
func (g *Guardian) Launch(ctx context.Context, site domain.TargetSite, prompt string) (domain.Outcome, error) {
	g.reporter.Report(StatusWorking, site.Hostname, "")
	logger := g.logger.With("site", site.Hostname)

	if g.store != nil {
		if err := g.store.Set(ctx, domain.KeyPrompt, prompt); err != nil {
			logger.Warn("persist prompt failed", "error", err)
		}
	}

	doc, release, err := g.opener.Open(ctx, site)
	if err != nil {
		logger.Warn("open page failed", "error", err)
		now := time.Now()
		out := domain.Outcome{Site: site.Hostname, PromptLength: len([]rune(prompt)), Start: now, End: now}
		g.broadcastResult(out, err.Error())
		g.reporter.Report(StatusFailed, site.Hostname, "")
		return out, domain.ErrAllStrategiesExhausted
	}
	if release != nil {
		defer release()
	}

	ok, out := g.engine.InjectPrompt(ctx, doc, prompt, site)
	g.broadcastResult(out, out.LastError())
	if !ok {
		g.reporter.Report(StatusFailed, site.Hostname, "")
		return out, domain.ErrAllStrategiesExhausted
	}
	g.reporter.Report(StatusSucceeded, site.Hostname, out.Winner)
	return out, nil
}

// InjectPrompt injects into an already open page without opening a tab or
// persisting the prompt.
func (g *Guardian) InjectPrompt(ctx context.Context, doc domain.Document, prompt string, site domain.TargetSite) (bool, domain.Outcome) {
	return g.engine.InjectPrompt(ctx, doc, prompt, site)
}

func (g *Guardian) broadcastResult(out domain.Outcome, errText string) {
	payload := map[string]any{
		"success": out.Succeeded(),
		"method":  out.Winner,
		"site":    out.Site,
	}
	if !out.Succeeded() {
		if errText == "" {
			errText = domain.ErrAllStrategiesExhausted.Error()
		}
		payload["error"] = errText
		payload["failedMethods"] = out.FailedIDs()
	}
	g.bus.Broadcast(domain.NewMessage(domain.MsgInjectionResult, payload))
}

// Resolve turns a user-supplied site name or URL into a target.
func (g *Guardian) Resolve(name string) domain.TargetSite {
	return g.sites.Resolve(name)
}

// Prompt returns the persisted prompt.
func (g *Guardian) Prompt(ctx context.Context) (string, error) {
	if g.store == nil {
		return "", nil
	}
	p, _, err := g.store.Get(ctx, domain.KeyPrompt)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return p, nil
}

// Wait blocks until every launch started by a message handler returns.
func (g *Guardian) Wait() {
	g.wg.Wait()
}

// async runs fn on the guardian's base context, tracked by Wait.
func (g *Guardian) async(name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	ctx := g.base
	g.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("handler panic", "handler", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}
