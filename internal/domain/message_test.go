package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_MarshalFlattensPayload(t *testing.T) {
	msg := NewMessage(MsgInjectPrompt, map[string]any{"prompt": "hi", "targetSite": "claude.ai"})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, MsgInjectPrompt, obj["type"])
	assert.Equal(t, "hi", obj["prompt"])
	assert.Equal(t, "guardian", obj["source"])
	assert.NotZero(t, obj["timestamp"])
}

func TestDecodeMessage_RoundTrip(t *testing.T) {
	raw := []byte(`{"type":"INJECTION_RESULT","success":true,"method":"dom","site":"chatgpt.com","timestamp":1700000000000,"source":"guardian"}`)

	msg, err := DecodeMessage(raw, "storage")
	require.NoError(t, err)
	assert.Equal(t, MsgInjectionResult, msg.Type)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
	assert.Equal(t, "storage", msg.Channel)
	assert.True(t, msg.Bool("success"))
	assert.Equal(t, "dom", msg.String("method"))
	assert.NotContains(t, msg.Payload, "type")
}

func TestDecodeMessage_Rejects(t *testing.T) {
	for _, raw := range []string{`not json`, `{"prompt":"x"}`, `null`} {
		_, err := DecodeMessage([]byte(raw), "x")
		assert.Error(t, err, raw)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindNoElement, KindOf(ErrNoElement))
	assert.Equal(t, KindNoEffect, KindOf(fmt.Errorf("dom: %w", ErrNoEffect)))
	assert.Equal(t, KindNotApplicable, KindOf(ErrNotApplicable))
	assert.Equal(t, KindThrew, KindOf(errors.New("boom")))
	assert.Equal(t, KindNoEffect, KindOf(Fail(KindNoEffect, errors.New("sticky"))))
}

func TestSiteFromURL(t *testing.T) {
	s := SiteFromURL("chatgpt.com")
	assert.Equal(t, "chatgpt.com", s.Hostname)
	assert.Equal(t, "https://chatgpt.com", s.URL)

	s = SiteFromURL("https://www.perplexity.ai/search?q=1")
	assert.Equal(t, "perplexity.ai", s.Hostname)
	assert.Equal(t, "https://www.perplexity.ai", s.Origin())

	assert.Equal(t, TargetSite{}, SiteFromURL("  "))
}

func TestOutcome_Helpers(t *testing.T) {
	o := Outcome{Tried: []StrategyResult{
		{ID: "react", Kind: KindNotApplicable},
		{ID: "dom", Kind: KindNoElement, Error: "no-element-found: no input element found"},
		{ID: "events", Kind: KindThrew, Error: "boom"},
	}}
	assert.False(t, o.Succeeded())
	assert.Equal(t, []string{"dom", "events"}, o.FailedIDs())
	assert.Equal(t, "boom", o.LastError())
}
