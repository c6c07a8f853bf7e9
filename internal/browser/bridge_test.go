package browser

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/domain"
)

func TestTabMatches(t *testing.T) {
	site := domain.SiteFromURL("https://claude.ai")
	assert.True(t, tabMatches("https://claude.ai/chat/123", site))
	assert.True(t, tabMatches("https://www.claude.ai/", site))
	assert.False(t, tabMatches("https://chatgpt.com/", site))
	assert.False(t, tabMatches("chrome://newtab/", site))
	assert.False(t, tabMatches("", site))
}

func TestOpen_RequiresStart(t *testing.T) {
	b := NewBridge(BridgeConfig{ProfileDir: t.TempDir()})
	_, _, err := b.Open(context.Background(), domain.SiteFromURL("chatgpt.com"))
	require.Error(t, err)
	assert.Nil(t, b.browserCtx())
	b.Close()
}

type tabKey struct{}

func tabCtx(name string) (context.Context, *int) {
	closed := new(int)
	return context.WithValue(context.Background(), tabKey{}, name), closed
}

func TestOnTab_SeesTrackedAndLaterTabs(t *testing.T) {
	b := NewBridge(BridgeConfig{ProfileDir: t.TempDir()})
	first, _ := tabCtx("first")
	require.True(t, b.add("T1", tab{ctx: first, cancel: func() {}}))

	var seen []string
	b.OnTab(func(ctx context.Context) { seen = append(seen, ctx.Value(tabKey{}).(string)) })
	assert.Equal(t, []string{"first"}, seen)

	second, _ := tabCtx("second")
	require.True(t, b.add("T2", tab{ctx: second, cancel: func() {}}))
	assert.False(t, b.add("T2", tab{ctx: second, cancel: func() { t.Fatal("duplicate must not be cancelled") }}))
	assert.Equal(t, []string{"first", "second"}, seen)

	got, ok := b.tracked("T2")
	require.True(t, ok)
	assert.Equal(t, "second", got.Value(tabKey{}))
}

func TestForget_ClosesOnlyGoneTabs(t *testing.T) {
	b := NewBridge(BridgeConfig{ProfileDir: t.TempDir()})
	ctxA, closedA := tabCtx("a")
	ctxB, closedB := tabCtx("b")
	b.add("A", tab{ctx: ctxA, cancel: func() { *closedA++ }})
	b.add("B", tab{ctx: ctxB, cancel: func() { *closedB++ }})

	b.forget(func(id target.ID) bool { return id == "A" })
	assert.Equal(t, 0, *closedA)
	assert.Equal(t, 1, *closedB)
	_, ok := b.tracked("B")
	assert.False(t, ok)

	b.Close()
	_, ok = b.tracked("A")
	assert.False(t, ok)
}

type countingPage struct{ released int }

func (p *countingPage) Release(context.Context) error {
	p.released++
	return nil
}

func TestReleaser_FreesObjectsAndKeepsTab(t *testing.T) {
	b := NewBridge(BridgeConfig{ProfileDir: t.TempDir()})
	ctx, _ := tabCtx("chat")
	closed := 0
	b.add("T1", tab{ctx: ctx, cancel: func() { closed++ }})

	p := &countingPage{}
	release := b.releaser(p)
	release()
	release()
	assert.Equal(t, 2, p.released)
	assert.Equal(t, 0, closed)
	_, ok := b.tracked("T1")
	assert.True(t, ok)
}

func TestEncodeArgs(t *testing.T) {
	out := encodeArgs([]any{domain.ChangeEvent{Value: "hi"}, domain.ElementArg{}, "input", 3})
	assert.Equal(t, map[string]any{"__promptrelayChange": "hi"}, out[0])
	assert.Equal(t, map[string]any{"__promptrelayElement": true}, out[1])
	assert.Equal(t, "input", out[2])
	assert.Equal(t, 3, out[3])
}

func TestJSString(t *testing.T) {
	assert.Equal(t, `"a\"b"`, jsString(`a"b`))
	assert.Equal(t, `"textarea[placeholder*=\"Ask\"]"`, jsString(`textarea[placeholder*="Ask"]`))
}
