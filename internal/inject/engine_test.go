package inject

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/domain"
	"promptrelay/internal/domtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type spySender struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (s *spySender) Broadcast(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *spySender) ofType(t string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type spyRecorder struct {
	outcomes []domain.Outcome
}

func (r *spyRecorder) Record(ctx context.Context, out domain.Outcome) error {
	r.outcomes = append(r.outcomes, out)
	return nil
}

type fakeStrategy struct {
	id         string
	priority   int
	applicable bool
	attempt    func() error
	calls      *[]string
}

func (f *fakeStrategy) ID() string    { return f.id }
func (f *fakeStrategy) Priority() int { return f.priority }
func (f *fakeStrategy) Applicable(ctx context.Context, doc domain.Document) bool {
	return f.applicable
}
func (f *fakeStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	*f.calls = append(*f.calls, f.id)
	if f.attempt == nil {
		return nil
	}
	return f.attempt()
}

func failing(err error) func() error { return func() error { return err } }

var chatgpt = domain.SiteFromURL("https://chatgpt.com/")

func TestEngine_StopsAtFirstSuccessInPriorityOrder(t *testing.T) {
	var calls []string
	sender := &spySender{}
	e := NewEngine(EngineConfig{
		Strategies: []domain.Strategy{
			&fakeStrategy{id: "third", priority: 3, applicable: true, calls: &calls},
			&fakeStrategy{id: "second", priority: 2, applicable: true, calls: &calls},
			&fakeStrategy{id: "first", priority: 1, applicable: true, calls: &calls, attempt: failing(domain.Fail(domain.KindNoEffect, domain.ErrNoEffect))},
		},
		Sender: sender,
		Logger: testLogger(),
	})

	ok, out := e.InjectPrompt(context.Background(), domtest.NewDoc("https://chatgpt.com/"), "hi", chatgpt)

	require.True(t, ok)
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, "second", out.Winner)
	require.Len(t, out.Tried, 2)
	assert.Equal(t, domain.KindNoEffect, out.Tried[0].Kind)
	assert.Len(t, sender.ofType(domain.MsgInjectionSuccess), 1)
	assert.Empty(t, sender.ofType(domain.MsgInjectionFailed))
}

func TestEngine_EqualPrioritiesKeepRegistrationOrder(t *testing.T) {
	var calls []string
	e := NewEngine(EngineConfig{
		Strategies: []domain.Strategy{
			&fakeStrategy{id: "a", priority: 1, applicable: true, calls: &calls, attempt: failing(errors.New("no"))},
			&fakeStrategy{id: "b", priority: 1, applicable: true, calls: &calls, attempt: failing(errors.New("no"))},
			&fakeStrategy{id: "c", priority: 0, applicable: true, calls: &calls, attempt: failing(errors.New("no"))},
		},
		Logger: testLogger(),
	})
	assert.Equal(t, []string{"c", "a", "b"}, e.StrategyIDs())
}

func TestEngine_InapplicableStrategyIsSkippedNotFailed(t *testing.T) {
	var calls []string
	e := NewEngine(EngineConfig{
		Strategies: []domain.Strategy{
			&fakeStrategy{id: "skipped", priority: 1, applicable: false, calls: &calls},
			&fakeStrategy{id: "works", priority: 2, applicable: true, calls: &calls},
		},
		Logger: testLogger(),
	})

	ok, out := e.InjectPrompt(context.Background(), domtest.NewDoc("https://claude.ai/"), "hi", domain.SiteFromURL("claude.ai"))

	require.True(t, ok)
	assert.Equal(t, []string{"works"}, calls)
	assert.Equal(t, domain.KindNotApplicable, out.Tried[0].Kind)
	assert.Empty(t, out.FailedIDs())
}

func TestEngine_PanickingStrategyIsContained(t *testing.T) {
	var calls []string
	e := NewEngine(EngineConfig{
		Strategies: []domain.Strategy{
			&fakeStrategy{id: "boom", priority: 1, applicable: true, calls: &calls, attempt: func() error { panic("page exploded") }},
			&fakeStrategy{id: "next", priority: 2, applicable: true, calls: &calls},
		},
		Logger: testLogger(),
	})

	var ok bool
	var out domain.Outcome
	require.NotPanics(t, func() {
		ok, out = e.InjectPrompt(context.Background(), domtest.NewDoc("https://gemini.google.com/"), "hi", domain.SiteFromURL("gemini.google.com"))
	})

	assert.True(t, ok)
	assert.Equal(t, "next", out.Winner)
	assert.Equal(t, domain.KindThrew, out.Tried[0].Kind)
	assert.Contains(t, out.Tried[0].Error, "page exploded")
}

func TestEngine_ExhaustionNotifiesOnce(t *testing.T) {
	var calls []string
	sender := &spySender{}
	rec := &spyRecorder{}
	e := NewEngine(EngineConfig{
		Strategies: []domain.Strategy{
			&fakeStrategy{id: "a", priority: 1, applicable: true, calls: &calls, attempt: failing(domain.Fail(domain.KindNoElement, domain.ErrNoElement))},
			&fakeStrategy{id: "b", priority: 2, applicable: true, calls: &calls, attempt: failing(errors.New("threw"))},
		},
		Sender:   sender,
		Recorder: rec,
		Logger:   testLogger(),
	})

	ok, out := e.InjectPrompt(context.Background(), domtest.NewDoc("https://chatgpt.com/"), "x", chatgpt)

	assert.False(t, ok)
	assert.Empty(t, out.Winner)
	failed := sender.ofType(domain.MsgInjectionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, []string{"a", "b"}, failed[0].Payload["failedMethods"])
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, "chatgpt.com", rec.outcomes[0].Site)
	last, ok := e.LastOutcome()
	require.True(t, ok)
	assert.Equal(t, out.Tried, last.Tried)
}

func TestEngine_EndToEndChatGPTTextarea(t *testing.T) {
	sender := &spySender{}
	rec := &spyRecorder{}
	el := domtest.NewTextarea(`textarea#prompt-textarea`)
	doc := domtest.NewDoc("https://chatgpt.com/", el)
	e := NewEngine(EngineConfig{
		Strategies: DefaultStrategies(Options{Typing: TypingDelay{}, AppearTimeout: 10 * time.Millisecond, Logger: testLogger()}),
		Sender:     sender,
		Recorder:   rec,
		Logger:     testLogger(),
	})

	ok, out := e.InjectPrompt(context.Background(), doc, "Explain recursion", chatgpt)

	require.True(t, ok)
	assert.Equal(t, "dom", out.Winner)
	assert.Equal(t, "Explain recursion", el.CurrentValue())
	require.Len(t, out.Tried, 1)
	assert.Equal(t, len("Explain recursion"), out.PromptLength)
	require.Len(t, rec.outcomes, 1)
	assert.Len(t, sender.ofType(domain.MsgInjectionSuccess), 1)
}

func TestEngine_EndToEndNoCandidateFails(t *testing.T) {
	sender := &spySender{}
	e := NewEngine(EngineConfig{
		Strategies: DefaultStrategies(Options{AppearTimeout: 20 * time.Millisecond, Logger: testLogger()}),
		Sender:     sender,
		Logger:     testLogger(),
	})

	ok, out := e.InjectPrompt(context.Background(), domtest.NewDoc("https://chatgpt.com/"), "x", chatgpt)

	assert.False(t, ok)
	assert.False(t, out.Succeeded())
	assert.Len(t, sender.ofType(domain.MsgInjectionFailed), 1)
	assert.Empty(t, sender.ofType(domain.MsgInjectionSuccess))
	for _, r := range out.Tried {
		assert.NotEqual(t, domain.KindThrew, r.Kind, r.ID)
	}
}

func TestEngine_ReinjectingIsIdempotent(t *testing.T) {
	el := domtest.NewTextarea(`textarea`)
	doc := domtest.NewDoc("https://chatgpt.com/", el)
	e := NewEngine(EngineConfig{
		Strategies: DefaultStrategies(Options{Logger: testLogger()}),
		Logger:     testLogger(),
	})

	ok1, _ := e.InjectPrompt(context.Background(), doc, "same prompt", chatgpt)
	ok2, out := e.InjectPrompt(context.Background(), doc, "same prompt", chatgpt)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "dom", out.Winner)
	assert.Equal(t, "same prompt", el.CurrentValue())
}

func TestDefaultStrategies_DisabledAndOrder(t *testing.T) {
	ids := func(ss []domain.Strategy) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.ID()
		}
		return out
	}
	all := DefaultStrategies(Options{})
	assert.Equal(t, []string{"dom", "clipboard", "react", "events", "execCommand", "frameworks", "nativeSetter", "mutationObserver"}, ids(all))

	trimmed := DefaultStrategies(Options{Disabled: []string{"nativeSetter", "clipboard"}})
	assert.NotContains(t, ids(trimmed), "nativeSetter")
	assert.NotContains(t, ids(trimmed), "clipboard")
}
