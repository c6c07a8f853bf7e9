package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/bus"
	"promptrelay/internal/domain"
	"promptrelay/internal/store"
)

type inbox struct {
	ch chan []byte
}

func newInbox() *inbox { return &inbox{ch: make(chan []byte, 16)} }

func (i *inbox) deliver(raw []byte) { i.ch <- raw }

func (i *inbox) next(t *testing.T) domain.Message {
	t.Helper()
	select {
	case raw := <-i.ch:
		msg, err := domain.DecodeMessage(raw, "test")
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return domain.Message{}
	}
}

func (i *inbox) empty(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-i.ch:
		t.Fatalf("unexpected delivery: %s", raw)
	case <-time.After(wait):
	}
}

func TestStorageChannel_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kv := store.NewMemoryStore()

	a := NewStorageChannel(StorageConfig{Store: kv, PollInterval: time.Millisecond, Logger: testLogger()})
	b := NewStorageChannel(StorageConfig{Store: kv, PollInterval: time.Millisecond, Logger: testLogger()})
	aIn, bIn := newInbox(), newInbox()
	require.NoError(t, a.Start(ctx, aIn.deliver))
	require.NoError(t, b.Start(ctx, bIn.deliver))
	defer a.Close()
	defer b.Close()

	require.True(t, a.TrySend(domain.NewMessage(domain.MsgHealthCheck, map[string]any{"from": "a"})))

	msg := bIn.next(t)
	assert.Equal(t, domain.MsgHealthCheck, msg.Type)
	assert.Equal(t, "a", msg.String("from"))
	aIn.empty(t, 20*time.Millisecond)

	id, ok, err := kv.Get(ctx, domain.KeyCommandID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestStorageChannel_DoesNotReplayStaleCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kv := store.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, domain.KeyCommand, `{"type":"INJECT_PROMPT","prompt":"old"}`))
	require.NoError(t, kv.Set(ctx, domain.KeyCommandID, "1"))

	s := NewStorageChannel(StorageConfig{Store: kv, PollInterval: time.Millisecond, Logger: testLogger()})
	in := newInbox()
	require.NoError(t, s.Start(ctx, in.deliver))
	defer s.Close()

	in.empty(t, 20*time.Millisecond)
}

func TestStorageChannel_LegacyInjectBecomesInjectPrompt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kv := store.NewMemoryStore()

	s := NewStorageChannel(StorageConfig{Store: kv, PollInterval: time.Millisecond, Logger: testLogger()})
	in := newInbox()
	require.NoError(t, s.Start(ctx, in.deliver))
	defer s.Close()

	require.NoError(t, WriteInject(ctx, kv, "Explain recursion", domain.SiteFromURL("chatgpt.com")))

	msg := in.next(t)
	assert.Equal(t, domain.MsgInjectPrompt, msg.Type)
	assert.Equal(t, "Explain recursion", msg.String("prompt"))
	assert.Equal(t, "https://chatgpt.com", msg.String("targetSite"))
}

func TestStorageChannel_UnavailableWithoutStore(t *testing.T) {
	s := NewStorageChannel(StorageConfig{Logger: testLogger()})
	err := s.Start(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
	assert.NoError(t, s.Close())
}

func TestBroadcastChannel_SuppressesSelfEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.NewEventBus(testLogger())

	a := NewBroadcastChannel(events, testLogger())
	b := NewBroadcastChannel(events, testLogger())
	aIn, bIn := newInbox(), newInbox()
	require.NoError(t, a.Start(ctx, aIn.deliver))
	require.NoError(t, b.Start(ctx, bIn.deliver))

	require.True(t, a.TrySend(domain.NewMessage(domain.MsgGetState, nil)))

	assert.Equal(t, domain.MsgGetState, bIn.next(t).Type)
	aIn.empty(t, 20*time.Millisecond)

	require.NoError(t, b.Close())
	require.True(t, a.TrySend(domain.NewMessage(domain.MsgGetState, nil)))
	bIn.empty(t, 20*time.Millisecond)
}

func TestMultiplexers_ShareOneProcessOverBroadcast(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	popup := NewMultiplexer(MultiplexerConfig{Logger: testLogger()})
	popup.Register("broadcast", NewBroadcastChannel(events, testLogger()))
	tab := NewMultiplexer(MultiplexerConfig{Logger: testLogger()})
	tab.Register("broadcast", NewBroadcastChannel(events, testLogger()))

	var got received
	tab.Handle(domain.MsgInjectPrompt, got.handler)
	require.NoError(t, popup.Start(ctx))
	require.NoError(t, tab.Start(ctx))
	defer popup.Close()
	defer tab.Close()

	popup.Broadcast(domain.NewMessage(domain.MsgInjectPrompt, map[string]any{"prompt": "hello"}))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "broadcast", got.last().Channel)
}

func TestStorageChannel_MirrorsResponses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	kv := store.NewMemoryStore()
	ch := NewStorageChannel(StorageConfig{Store: kv, PollInterval: time.Millisecond, Logger: testLogger()})

	before, err := LastResponseID(ctx, kv)
	require.NoError(t, err)

	require.True(t, ch.TrySend(domain.NewMessage(domain.MsgHealthCheck, nil)))
	after, err := LastResponseID(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, before, after, "requests are not mirrored")

	go ch.TrySend(domain.NewMessage(domain.MsgInjectionSuccess, map[string]any{"method": "dom", "site": "chatgpt.com"}))
	msg, err := WaitResponse(ctx, kv, before, time.Millisecond, func(m domain.Message) bool {
		return m.Type == domain.MsgInjectionSuccess
	})
	require.NoError(t, err)
	assert.Equal(t, "dom", msg.String("method"))
}
