package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageSource tags every envelope the relay emits.
const MessageSource = "guardian"

// Message types understood by the relay core.
const (
	MsgInjectPrompt     = "INJECT_PROMPT"
	MsgInject           = "INJECT" // legacy storage-channel command, normalized to MsgInjectPrompt
	MsgHealthCheck      = "HEALTH_CHECK"
	MsgHealthResponse   = "HEALTH_RESPONSE"
	MsgGetState         = "GET_STATE"
	MsgStateResponse    = "STATE_RESPONSE"
	MsgSyncRequest      = "SYNC_REQUEST"
	MsgSyncResponse     = "SYNC_RESPONSE"
	MsgInjectionResult  = "INJECTION_RESULT"
	MsgInjectionSuccess = "INJECTION_SUCCESS"
	MsgInjectionFailed  = "INJECTION_FAILED"
	MsgBroadcast        = "BROADCAST"
	MsgGetStats         = "GET_STATS"
	MsgStatsReport      = "STATS_REPORT"
	MsgExtractContent   = "EXTRACT_CONTENT"
	MsgContentExtracted = "CONTENT_EXTRACTED"

	// Hub (persistent worker) protocol.
	MsgWorkerConnected    = "WORKER_CONNECTED"
	MsgNewConnection      = "NEW_CONNECTION"
	MsgConnectionClosed   = "CONNECTION_CLOSED"
	MsgConnectionsCleaned = "CONNECTIONS_CLEANED"
	MsgUpdatePrompt       = "UPDATE_PROMPT"
	MsgPromptUpdated      = "PROMPT_UPDATED"
	MsgInjectCommand      = "INJECT_COMMAND"
	MsgStatsUpdated       = "STATS_UPDATED"
	MsgChannelStatus      = "CHANNEL_STATUS"
	MsgChannelsUpdated    = "CHANNELS_UPDATED"
	MsgCleanup            = "CLEANUP"
	MsgDisconnect         = "DISCONNECT"
	MsgSiteConnected      = "SITE_CONNECTED"
	MsgRelayToSite        = "RELAY_TO_SITE"
	MsgSiteRelay          = "SITE_RELAY"
)

// Message is the normalized envelope routed by type. Payload holds every
// field of the wire object other than type, timestamp and source.
type Message struct {
	Type      string
	Payload   map[string]any
	Timestamp int64  // milliseconds since epoch
	Source    string // always MessageSource for relay-originated messages
	Channel   string // channel the message arrived on; empty for outbound
}

// NewMessage builds an outbound message stamped with the current time.
func NewMessage(msgType string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Source:    MessageSource,
	}
}

// String returns a payload field as a string, or "" when absent.
func (m Message) String(key string) string {
	v, ok := m.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns a payload field as a bool.
func (m Message) Bool(key string) bool {
	v, _ := m.Payload[key].(bool)
	return v
}

// Map returns a nested object payload field.
func (m Message) Map(key string) map[string]any {
	v, _ := m.Payload[key].(map[string]any)
	return v
}

// MarshalJSON flattens the payload next to the envelope fields.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Payload)+3)
	for k, v := range m.Payload {
		out[k] = v
	}
	out["type"] = m.Type
	out["timestamp"] = m.Timestamp
	out["source"] = m.Source
	return json.Marshal(out)
}

// DecodeMessage normalizes a raw wire object into a Message.
func DecodeMessage(raw []byte, channel string) (Message, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return MessageFromMap(obj, channel)
}

// MessageFromMap normalizes an already-decoded wire object.
func MessageFromMap(obj map[string]any, channel string) (Message, error) {
	if obj == nil {
		return Message{}, fmt.Errorf("decode message: empty object")
	}
	msgType, _ := obj["type"].(string)
	if msgType == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	msg := Message{Type: msgType, Channel: channel, Payload: make(map[string]any, len(obj))}
	for k, v := range obj {
		switch k {
		case "type":
		case "timestamp":
			switch ts := v.(type) {
			case float64:
				msg.Timestamp = int64(ts)
			case json.Number:
				msg.Timestamp, _ = ts.Int64()
			}
		case "source":
			msg.Source, _ = v.(string)
		default:
			msg.Payload[k] = v
		}
	}
	return msg, nil
}
