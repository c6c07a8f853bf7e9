package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"promptrelay/internal/domain"
)

const windowBinding = "__promptrelayPost"

// DefaultTrustedOrigins are the chat sites whose postMessage traffic the
// window channel accepts besides the page's own origin.
var DefaultTrustedOrigins = []string{
	"https://chatgpt.com",
	"https://claude.ai",
	"https://gemini.google.com",
	"https://copilot.microsoft.com",
	"https://perplexity.ai",
	"https://www.perplexity.ai",
	"https://meta.ai",
	"https://www.meta.ai",
}

// TabNotifier announces browser tabs as the relay attaches to them.
type TabNotifier interface {
	OnTab(fn func(tab context.Context))
}

// WindowConfig configures a WindowChannel.
type WindowConfig struct {
	// Tabs announces every chat tab the channel should bridge.
	Tabs           TabNotifier
	TrustedOrigins []string
	Logger         *slog.Logger
}

// WindowChannel bridges the window.postMessage traffic of every attached
// chat tab to the relay. Outbound messages are posted into each live tab;
// page messages tagged with the relay source reach Go through a CDP
// runtime binding.
type WindowChannel struct {
	trusted []string
	origin  string
	logger  *slog.Logger
	closed  atomic.Bool

	mu      sync.Mutex
	tabs    []context.Context
	deliver func(raw []byte)

	install func(tab context.Context, deliver func(raw []byte)) error
	post    func(tab context.Context, expr string) error
}

// NewWindowChannel creates a window transport fed by cfg.Tabs.
func NewWindowChannel(cfg WindowConfig) (*WindowChannel, error) {
	if cfg.Tabs == nil {
		return nil, fmt.Errorf("window channel: no browser: %w", domain.ErrChannelUnavailable)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	trusted := cfg.TrustedOrigins
	if len(trusted) == 0 {
		trusted = DefaultTrustedOrigins
	}
	w := &WindowChannel{trusted: trusted, origin: uuid.NewString(), logger: cfg.Logger}
	w.install = w.installBridge
	w.post = postToTab
	cfg.Tabs.OnTab(func(tab context.Context) {
		if err := w.Attach(tab); err != nil {
			w.logger.Warn("window bridge not installed", "error", err)
		}
	})
	return w, nil
}

func (w *WindowChannel) Name() string { return "window" }

// bridgeScript installs the page-side listener. Messages the relay posted
// itself carry _relay and are not echoed back.
func bridgeScript(trusted []string) string {
	list, _ := json.Marshal(trusted)
	return fmt.Sprintf(`(() => {
  if (window.__promptrelayBridge) return;
  window.__promptrelayBridge = true;
  const trusted = %s;
  window.addEventListener('message', (e) => {
    const d = e.data;
    if (!d || typeof d !== 'object' || d.source !== %q || d._relay) return;
    const self = e.origin === location.origin;
    if (!self && !trusted.includes(e.origin)) return;
    try { window[%q](JSON.stringify({origin: e.origin, self: self, data: d})); } catch (_) {}
  });
})();`, list, domain.MessageSource, windowBinding)
}

type bindingPayload struct {
	Origin string          `json:"origin"`
	Self   bool            `json:"self"`
	Data   json.RawMessage `json:"data"`
}

// acceptBinding validates one binding payload and returns the message to
// deliver.
func acceptBinding(payload string, trusted []string) ([]byte, bool) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || len(p.Data) == 0 {
		return nil, false
	}
	if !p.Self && !slices.Contains(trusted, p.Origin) {
		return nil, false
	}
	return p.Data, true
}

// Attach bridges one tab. Tabs attached before Start are installed when
// the channel starts.
func (w *WindowChannel) Attach(tab context.Context) error {
	if w.closed.Load() {
		return errWindowClosed
	}
	w.mu.Lock()
	w.tabs = append(w.tabs, tab)
	deliver := w.deliver
	w.mu.Unlock()
	if deliver == nil {
		return nil
	}
	return w.attach(tab, deliver)
}

var errWindowClosed = errors.New("window channel closed")

func (w *WindowChannel) attach(tab context.Context, deliver func(raw []byte)) error {
	if err := w.install(tab, deliver); err != nil {
		w.drop(tab)
		return fmt.Errorf("install window bridge: %w", err)
	}
	return nil
}

func (w *WindowChannel) drop(tab context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tabs = slices.DeleteFunc(w.tabs, func(t context.Context) bool { return t == tab })
}

func (w *WindowChannel) live() []context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tabs = slices.DeleteFunc(w.tabs, func(t context.Context) bool { return t.Err() != nil })
	return slices.Clone(w.tabs)
}

// Start installs the bridge on the tabs attached so far. A tab that
// refuses it is dropped; the channel stays up for later tabs.
func (w *WindowChannel) Start(ctx context.Context, deliver func(raw []byte)) error {
	w.mu.Lock()
	w.deliver = deliver
	pending := slices.Clone(w.tabs)
	w.mu.Unlock()
	for _, tab := range pending {
		if err := w.attach(tab, deliver); err != nil {
			w.logger.Warn("window bridge not installed", "error", err)
		}
	}
	return nil
}

func (w *WindowChannel) installBridge(tab context.Context, deliver func(raw []byte)) error {
	if chromedp.FromContext(tab) == nil {
		return errors.New("not a browser tab")
	}
	script := bridgeScript(w.trusted)
	chromedp.ListenTarget(tab, func(ev any) {
		e, ok := ev.(*runtime.EventBindingCalled)
		if !ok || e.Name != windowBinding || w.closed.Load() {
			return
		}
		raw, ok := acceptBinding(e.Payload, w.trusted)
		if !ok {
			w.logger.Debug("window message rejected")
			return
		}
		deliver(raw)
	})
	return chromedp.Run(tab,
		runtime.AddBinding(windowBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}),
		chromedp.Evaluate(script, nil),
	)
}

func postToTab(tab context.Context, expr string) error {
	ctx, cancel := context.WithTimeout(tab, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(expr, nil))
}

// TrySend posts msg into every live tab and reports whether any took it.
func (w *WindowChannel) TrySend(msg domain.Message) bool {
	if w.closed.Load() {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	obj["_relay"] = w.origin
	data, err = json.Marshal(obj)
	if err != nil {
		return false
	}

	expr := fmt.Sprintf("window.postMessage(%s, '*')", data)
	sent := false
	for _, tab := range w.live() {
		if err := w.post(tab, expr); err != nil {
			w.logger.Debug("window post failed", "error", err)
			continue
		}
		sent = true
	}
	return sent
}

func (w *WindowChannel) Close() error {
	w.closed.Store(true)
	w.mu.Lock()
	w.tabs = nil
	w.mu.Unlock()
	return nil
}
