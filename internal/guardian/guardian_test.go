package guardian

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"promptrelay/internal/bus"
	"promptrelay/internal/domain"
	"promptrelay/internal/domtest"
	"promptrelay/internal/health"
	"promptrelay/internal/inject"
	"promptrelay/internal/store"
	"promptrelay/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	channel string // "" for broadcast
	msg     domain.Message
}

// fakeBus is an in-memory domain.MessageBus with two active channels.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]domain.HandlerFunc
	out      []sent
	notify   chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]domain.HandlerFunc{}, notify: make(chan struct{}, 64)}
}

func (b *fakeBus) record(s sent) {
	b.mu.Lock()
	b.out = append(b.out, s)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *fakeBus) Broadcast(msg domain.Message) { b.record(sent{msg: msg}) }

func (b *fakeBus) Handle(t string, h domain.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
}

func (b *fakeBus) Reply(channel string, msg domain.Message) bool {
	b.record(sent{channel: channel, msg: msg})
	return true
}

func (b *fakeBus) Status() []domain.ChannelStatus {
	return []domain.ChannelStatus{
		{Name: "broadcast", State: domain.ChannelActive, Healthy: true},
		{Name: "storage", State: domain.ChannelActive, Healthy: true},
		{Name: "peer", State: domain.ChannelError},
	}
}

func (b *fakeBus) deliver(t *testing.T, channel, typ string, payload map[string]any) {
	t.Helper()
	b.mu.Lock()
	h := b.handlers[typ]
	b.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", typ)
	msg := domain.NewMessage(typ, payload)
	msg.Channel = channel
	h(msg)
}

// waitFor returns the first outbound message of type typ.
func (b *fakeBus) waitFor(t *testing.T, typ string) sent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		for _, s := range b.out {
			if s.msg.Type == typ {
				b.mu.Unlock()
				return s
			}
		}
		b.mu.Unlock()
		select {
		case <-b.notify:
		case <-deadline:
			t.Fatalf("no %s sent", typ)
			return sent{}
		}
	}
}

func (b *fakeBus) ofType(typ string) []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sent
	for _, s := range b.out {
		if s.msg.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type fakeOpener struct {
	doc      domain.Document
	err      error
	opened   []domain.TargetSite
	released int
	mu       sync.Mutex
}

func (o *fakeOpener) Open(ctx context.Context, site domain.TargetSite) (domain.Document, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, site)
	if o.err != nil {
		return nil, nil, o.err
	}
	return o.doc, func() {
		o.mu.Lock()
		o.released++
		o.mu.Unlock()
	}, nil
}

type fixture struct {
	g       *Guardian
	bus     *fakeBus
	opener  *fakeOpener
	kv      *store.MemoryStore
	el      *domtest.Element
	doc     *domtest.Doc
	reports []Status
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bus: newFakeBus(), kv: store.NewMemoryStore()}
	f.el = domtest.NewTextarea(`textarea#prompt-textarea`)
	f.doc = domtest.NewDoc("https://chatgpt.com/", f.el)
	f.opener = &fakeOpener{doc: f.doc}
	stats := telemetry.NewStore(f.kv, testLogger())
	engine := inject.NewEngine(inject.EngineConfig{
		Strategies: inject.DefaultStrategies(inject.Options{
			VerifyDelay:   time.Millisecond,
			AppearTimeout: 10 * time.Millisecond,
			Logger:        testLogger(),
		}),
		Sender:   f.bus,
		Recorder: stats,
		Logger:   testLogger(),
	})
	var mu sync.Mutex
	f.g = New(Config{
		Engine: engine,
		Bus:    f.bus,
		Opener: f.opener,
		Store:  f.kv,
		Stats:  stats,
		Reporter: ReporterFunc(func(s Status, site, method string) {
			mu.Lock()
			f.reports = append(f.reports, s)
			mu.Unlock()
		}),
		Logger: testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.g.Attach(ctx)
	t.Cleanup(func() {
		cancel()
		f.g.Wait()
	})
	return f
}

func TestLaunch_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.g.Launch(ctx, domain.SiteFromURL("chatgpt.com"), "Explain recursion")

	require.NoError(t, err)
	assert.Equal(t, "dom", out.Winner)
	assert.Equal(t, "Explain recursion", f.el.CurrentValue())
	assert.Equal(t, []Status{StatusWorking, StatusSucceeded}, f.reports)
	assert.Equal(t, 1, f.opener.released)

	saved, ok, err := f.kv.Get(ctx, domain.KeyPrompt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Explain recursion", saved)

	res := f.bus.waitFor(t, domain.MsgInjectionResult).msg
	assert.Equal(t, true, res.Payload["success"])
	assert.Equal(t, "dom", res.Payload["method"])
	assert.Equal(t, "chatgpt.com", res.Payload["site"])
	assert.Len(t, f.bus.ofType(domain.MsgInjectionSuccess), 1)
}

func TestHandle_GetStateReportsLastLocalInjection(t *testing.T) {
	f := newFixture(t)
	f.opener.doc = domtest.NewDoc("https://claude.ai/")
	_, err := f.g.Launch(context.Background(), domain.SiteFromURL("claude.ai"), "hi")
	require.ErrorIs(t, err, domain.ErrAllStrategiesExhausted)

	f.bus.deliver(t, "broadcast", domain.MsgGetState, nil)
	state := f.bus.waitFor(t, domain.MsgStateResponse).msg.Payload["state"].(map[string]any)
	local := state["lastInjection"].(map[string]any)
	assert.Equal(t, "claude.ai", local["site"])
	assert.Equal(t, false, local["success"])
	assert.NotEmpty(t, local["failedMethods"])
}

func TestLaunch_ExhaustedKeepsPrompt(t *testing.T) {
	f := newFixture(t)
	f.opener.doc = domtest.NewDoc("https://chatgpt.com/")
	ctx := context.Background()

	out, err := f.g.Launch(ctx, domain.SiteFromURL("chatgpt.com"), "x")

	require.ErrorIs(t, err, domain.ErrAllStrategiesExhausted)
	assert.False(t, out.Succeeded())
	assert.Equal(t, []Status{StatusWorking, StatusFailed}, f.reports)
	assert.Len(t, f.bus.ofType(domain.MsgInjectionFailed), 1)
	res := f.bus.waitFor(t, domain.MsgInjectionResult).msg
	assert.Equal(t, false, res.Payload["success"])
	assert.NotEmpty(t, res.Payload["error"])

	saved, _, _ := f.kv.Get(ctx, domain.KeyPrompt)
	assert.Equal(t, "x", saved)
}

func TestLaunch_OpenFailureIsExhaustion(t *testing.T) {
	f := newFixture(t)
	f.opener.err = errors.New("popup blocked")

	_, err := f.g.Launch(context.Background(), domain.SiteFromURL("claude.ai"), "hello")

	require.ErrorIs(t, err, domain.ErrAllStrategiesExhausted)
	res := f.bus.waitFor(t, domain.MsgInjectionResult).msg
	assert.Equal(t, "popup blocked", res.Payload["error"])
	assert.Equal(t, "claude.ai", res.Payload["site"])
}

func TestHandle_InjectPromptResolvesSiteAndUsesSavedPrompt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.kv.Set(context.Background(), domain.KeyPrompt, "saved prompt"))

	f.bus.deliver(t, "storage", domain.MsgInjectPrompt, map[string]any{"agent": "chatgpt"})

	res := f.bus.waitFor(t, domain.MsgInjectionResult).msg
	assert.Equal(t, true, res.Payload["success"])
	assert.Equal(t, "saved prompt", f.el.CurrentValue())
	require.Len(t, f.opener.opened, 1)
	assert.Equal(t, "https://chatgpt.com", f.opener.opened[0].URL)
}

func TestHandle_InjectPromptWithoutTargetIsDropped(t *testing.T) {
	f := newFixture(t)
	f.bus.deliver(t, "storage", domain.MsgInjectPrompt, map[string]any{"prompt": "p"})
	f.g.Wait()
	assert.Empty(t, f.opener.opened)
}

func TestHandle_HealthCheckRepliesOnSameChannel(t *testing.T) {
	f := newFixture(t)

	f.bus.deliver(t, "storage", domain.MsgHealthCheck, nil)

	got := f.bus.waitFor(t, domain.MsgHealthResponse)
	assert.Equal(t, "storage", got.channel)
	assert.Equal(t, "healthy", got.msg.Payload["status"])
	assert.Contains(t, got.msg.Payload["strategies"], "dom")
}

func TestHandle_HealthCheckProbesSite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	f := newFixture(t)
	f.g.health = health.NewChecker(health.CheckerConfig{
		Client: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		Logger: testLogger(),
	})

	f.bus.deliver(t, "broadcast", domain.MsgHealthCheck, map[string]any{"origin": srv.URL})

	got := f.bus.waitFor(t, domain.MsgHealthResponse).msg
	res, ok := got.Payload["site"].(health.Result)
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, res.Status)
}

func TestHandle_GetStateAndSync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.kv.Set(context.Background(), domain.KeyPrompt, "p1"))

	f.bus.deliver(t, "broadcast", domain.MsgGetState, nil)
	f.bus.deliver(t, "storage", domain.MsgSyncRequest, nil)

	state := f.bus.waitFor(t, domain.MsgStateResponse).msg.Payload["state"].(map[string]any)
	assert.Equal(t, "p1", state["prompt"])
	assert.NotContains(t, state, "lastInjection")
	sync := f.bus.waitFor(t, domain.MsgSyncResponse)
	assert.Equal(t, "storage", sync.channel)
}

func TestHandle_RemoteResultAppearsInState(t *testing.T) {
	f := newFixture(t)

	f.bus.deliver(t, "peer", domain.MsgInjectionSuccess, map[string]any{"success": true, "method": "react", "site": "claude.ai"})
	f.bus.deliver(t, "broadcast", domain.MsgGetState, nil)

	state := f.bus.waitFor(t, domain.MsgStateResponse).msg.Payload["state"].(map[string]any)
	last := state["lastResult"].(map[string]any)
	assert.Equal(t, "react", last["method"])
	assert.Equal(t, domain.MsgInjectionSuccess, last["type"])
}

func TestHandle_RemoteResultPairLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	g := New(Config{Bus: newFakeBus(), Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	result := func(typ, site string, at int64) domain.Message {
		msg := domain.NewMessage(typ, map[string]any{"success": false, "site": site, "error": "exhausted"})
		msg.Timestamp = at
		msg.Channel = "peer"
		return msg
	}

	g.onInjectionResult(result(domain.MsgInjectionFailed, "claude.ai", 1000))
	g.onInjectionResult(result(domain.MsgInjectionResult, "claude.ai", 1003))
	assert.Equal(t, 1, strings.Count(buf.String(), "remote injection failed"))

	g.onInjectionResult(result(domain.MsgInjectionResult, "claude.ai", 1010))
	g.onInjectionResult(result(domain.MsgInjectionFailed, "chatgpt.com", 1012))
	g.onInjectionResult(result(domain.MsgInjectionFailed, "chatgpt.com", 9000))
	assert.Equal(t, 4, strings.Count(buf.String(), "remote injection failed"))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "chatgpt.com", g.lastRemote["site"])
}

func TestHandle_BroadcastSkipsSenderAndInactive(t *testing.T) {
	f := newFixture(t)

	f.bus.deliver(t, "broadcast", domain.MsgBroadcast, map[string]any{
		"payload": map[string]any{"type": "THEME_CHANGED", "theme": "dark"},
	})

	got := f.bus.ofType("THEME_CHANGED")
	require.Len(t, got, 1)
	assert.Equal(t, "storage", got[0].channel)
	assert.Equal(t, "dark", got[0].msg.String("theme"))

	f.bus.deliver(t, "broadcast", domain.MsgBroadcast, map[string]any{"payload": "not an object"})
	assert.Len(t, f.bus.ofType("THEME_CHANGED"), 1)
}

func TestHandle_GetStatsAfterLaunch(t *testing.T) {
	f := newFixture(t)
	_, err := f.g.Launch(context.Background(), domain.SiteFromURL("chatgpt.com"), "p")
	require.NoError(t, err)

	f.bus.deliver(t, "storage", domain.MsgGetStats, nil)

	report := f.bus.waitFor(t, domain.MsgStatsReport).msg
	stats := report.Payload["stats"].(telemetry.Stats)
	assert.Equal(t, 1, stats["chatgpt.com"]["dom"].Successes)
}

func TestHandle_ExtractContent(t *testing.T) {
	f := newFixture(t)
	f.doc.TextsBySelector[".prose"] = []string{"first answer", ""}
	f.doc.TextsBySelector["[data-message]"] = []string{"hello"}

	f.bus.deliver(t, "storage", domain.MsgExtractContent, map[string]any{"targetSite": "chatgpt.com"})

	got := f.bus.waitFor(t, domain.MsgContentExtracted).msg
	data := got.Payload["data"].(map[string]any)
	assert.Equal(t, []string{"hello", "first answer"}, data["responses"])
	assert.Equal(t, "https://chatgpt.com/", data["url"])
}

func TestEventReporter(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	var got []string
	events.On("*", func(e bus.Event) { got = append(got, e.Type) })

	r := EventReporter{Events: events}
	r.Report(StatusWorking, "claude.ai", "")
	r.Report(StatusSucceeded, "claude.ai", "dom")

	assert.Equal(t, []string{bus.EventStatusWorking, bus.EventStatusSuccess}, got)
}
