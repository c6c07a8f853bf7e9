// Package browser drives Chrome over the DevTools protocol: it owns the
// browser process, opens or re-activates chat tabs and exposes each tab as
// a domain.Document.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"promptrelay/internal/domain"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	ProfileDir string // Chrome user data directory (persists logins)
	Headless   bool
	// RemoteURL attaches to an already running Chrome started with
	// --remote-debugging-port instead of launching one.
	RemoteURL   string
	LoadTimeout time.Duration // default 30s
	Logger      *slog.Logger
}

// Bridge manages one Chrome instance shared by every tab the relay opens.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger

	mu      sync.Mutex
	browser context.Context
	cancel  context.CancelFunc
	tabs    map[target.ID]tab
	hooks   []func(tab context.Context)
}

// tab is a chat tab the bridge keeps attached between Opens. Cancelling a
// chromedp tab context closes the tab, so cancel only runs once the tab
// is gone or the bridge closes.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".promptrelay", "chrome-profile")
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: cfg.Logger, tabs: make(map[target.ID]tab)}
}

func (b *Bridge) allocOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.cfg.ProfileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if headless {
		return append(opts, chromedp.Headless)
	}
	return append(opts, chromedp.Flag("headless", false))
}

// Start launches (or attaches to) Chrome. The browser lives until ctx is
// done or Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return nil
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if b.cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, b.cfg.RemoteURL)
	} else {
		if err := os.MkdirAll(b.cfg.ProfileDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, b.allocOptions(b.cfg.Headless)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	b.browser = browserCtx
	b.cancel = func() {
		browserCancel()
		allocCancel()
	}
	b.logger.Info("browser started", "remote", b.cfg.RemoteURL != "", "headless", b.cfg.Headless)
	return nil
}

// browserCtx returns the first tab context, or nil before Start.
func (b *Bridge) browserCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browser
}

// Close shuts the browser down.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.tabs)
	if b.cancel != nil {
		b.cancel()
		b.browser, b.cancel = nil, nil
	}
}

// OnTab registers fn to run for every chat tab the bridge attaches to,
// including tabs attached before the call. fn gets the tab's long-lived
// chromedp context.
func (b *Bridge) OnTab(fn func(tab context.Context)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	existing := make([]context.Context, 0, len(b.tabs))
	for _, t := range b.tabs {
		existing = append(existing, t.ctx)
	}
	b.mu.Unlock()
	for _, ctx := range existing {
		fn(ctx)
	}
}

// add tracks t under id and runs the OnTab hooks. A known id is left as
// is and reports false.
func (b *Bridge) add(id target.ID, t tab) bool {
	b.mu.Lock()
	if _, ok := b.tabs[id]; ok {
		b.mu.Unlock()
		return false
	}
	b.tabs[id] = t
	hooks := slices.Clone(b.hooks)
	b.mu.Unlock()
	for _, fn := range hooks {
		fn(t.ctx)
	}
	return true
}

func (b *Bridge) tracked(id target.ID) (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[id]
	return t.ctx, ok
}

// forget drops tabs not in live and closes the contexts attached to them.
func (b *Bridge) forget(live func(target.ID) bool) {
	b.mu.Lock()
	var gone []tab
	for id, t := range b.tabs {
		if !live(id) {
			gone = append(gone, t)
			delete(b.tabs, id)
		}
	}
	b.mu.Unlock()
	for _, t := range gone {
		t.cancel()
	}
}

// Open activates the tab already showing site, or opens a new one, and
// returns it as a Document. The tab stays open and attached; release only
// frees the remote objects handed out while it was in use.
func (b *Bridge) Open(ctx context.Context, site domain.TargetSite) (domain.Document, func(), error) {
	browserCtx := b.browserCtx()
	if browserCtx == nil {
		return nil, nil, errors.New("browser not started")
	}

	if id, ok := b.findTab(browserCtx, site); ok {
		tabCtx, known := b.tracked(id)
		if !known {
			var cancel context.CancelFunc
			tabCtx, cancel = chromedp.NewContext(browserCtx, chromedp.WithTargetID(id))
			if err := chromedp.Run(tabCtx); err != nil {
				cancel()
				return nil, nil, fmt.Errorf("attach tab: %w", err)
			}
			b.add(id, tab{ctx: tabCtx, cancel: cancel})
		}
		if err := chromedp.Run(tabCtx, target.ActivateTarget(id)); err != nil {
			b.forget(func(t target.ID) bool { return t != id })
			return nil, nil, fmt.Errorf("activate tab: %w", err)
		}
		b.logger.Debug("reusing tab", "site", site.Hostname, "target", id)
		p := NewPage(tabCtx)
		return p, b.releaser(p), nil
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	// Create the target on tabCtx itself so its lifetime is not bound to
	// the load timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("new tab: %w", err)
	}
	loadCtx, loadCancel := context.WithTimeout(tabCtx, b.cfg.LoadTimeout)
	defer loadCancel()
	stop := context.AfterFunc(ctx, loadCancel)
	defer stop()

	if err := chromedp.Run(loadCtx, chromedp.Navigate(site.URL), chromedp.WaitReady("body")); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("open %s: %w", site.URL, err)
	}
	b.add(chromedp.FromContext(tabCtx).Target.TargetID, tab{ctx: tabCtx, cancel: cancel})
	b.logger.Info("opened tab", "site", site.Hostname, "url", site.URL)
	p := NewPage(tabCtx)
	return p, b.releaser(p), nil
}

type releasable interface {
	Release(ctx context.Context) error
}

// releaser frees the objects p handed out. It leaves the tab attached.
func (b *Bridge) releaser(p releasable) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Release(ctx); err != nil {
			b.logger.Debug("release page objects", "error", err)
		}
	}
}

// findTab returns the page target showing site. Tracked tabs that no
// longer exist are forgotten on the way.
func (b *Bridge) findTab(browserCtx context.Context, site domain.TargetSite) (target.ID, bool) {
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		b.logger.Debug("list targets failed", "error", err)
		return "", false
	}
	live := make(map[target.ID]bool, len(targets))
	var found target.ID
	for _, info := range targets {
		if info == nil || info.Type != "page" {
			continue
		}
		live[info.TargetID] = true
		if found == "" && tabMatches(info.URL, site) {
			found = info.TargetID
		}
	}
	b.forget(func(id target.ID) bool { return live[id] })
	return found, found != ""
}

func tabMatches(tabURL string, site domain.TargetSite) bool {
	if tabURL == "" || strings.HasPrefix(tabURL, "chrome://") || site.Hostname == "" {
		return false
	}
	host := domain.SiteFromURL(tabURL).Hostname
	return host == site.Hostname || strings.HasSuffix(host, "."+site.Hostname)
}

// Login opens a visible browser on url so the user can sign in. The session
// is kept in the profile directory. It returns when ctx is done.
func (b *Bridge) Login(ctx context.Context, url string) error {
	if err := os.MkdirAll(b.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	b.logger.Info("opening browser for login", "url", url)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocOptions(false)...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Please log in manually. Press Ctrl+C when done.")
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.cfg.ProfileDir)
	return nil
}
