package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/domain"
	"promptrelay/internal/store"
)

func TestPeer_OfferAnswerAndExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kv := store.NewMemoryStore()

	offerer, err := NewPeer(PeerConfig{Store: kv, CheckInterval: 5 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)
	answerer, err := NewPeer(PeerConfig{Store: kv, CheckInterval: 5 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)
	defer offerer.Close()
	defer answerer.Close()

	oIn, aIn := newInbox(), newInbox()
	require.NoError(t, offerer.Start(ctx, oIn.deliver))
	_, ok, _ := kv.Get(ctx, domain.KeyPeerOffer)
	require.True(t, ok)

	require.NoError(t, answerer.Start(ctx, aIn.deliver))
	require.Eventually(t, func() bool { return offerer.Connected() && answerer.Connected() }, 2*time.Second, time.Millisecond)

	require.True(t, answerer.TrySend(domain.NewMessage(domain.MsgInjectPrompt, map[string]any{"prompt": "p2p"})))
	assert.Equal(t, "p2p", oIn.next(t).String("prompt"))
	require.True(t, offerer.TrySend(domain.NewMessage(domain.MsgHealthCheck, nil)))
	assert.Equal(t, domain.MsgHealthCheck, aIn.next(t).Type)

	// Signalling keys are cleared once the offerer sees its answer.
	require.Eventually(t, func() bool {
		_, offer, _ := kv.Get(ctx, domain.KeyPeerOffer)
		_, answer, _ := kv.Get(ctx, domain.KeyPeerAnswer)
		return !offer && !answer
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPeer_UnavailableWhenListenFails(t *testing.T) {
	_, err := NewPeer(PeerConfig{Store: store.NewMemoryStore(), ListenAddr: "256.0.0.1:0", Logger: testLogger()})
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)

	_, err = NewPeer(PeerConfig{Logger: testLogger()})
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
}

func TestPeer_SendWithoutLinkFails(t *testing.T) {
	p, err := NewPeer(PeerConfig{Store: store.NewMemoryStore(), Logger: testLogger()})
	require.NoError(t, err)
	defer p.Close()
	assert.False(t, p.TrySend(domain.NewMessage("PING", nil)))
}
