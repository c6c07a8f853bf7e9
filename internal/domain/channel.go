package domain

import "context"

// ChannelState is the lifecycle of one transport.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelActive       ChannelState = "active"
	ChannelError        ChannelState = "error"
	ChannelClosed       ChannelState = "closed"
)

// Transport is one concrete channel to the logical message bus.
//
// TrySend must never panic on its own behalf and reports success with its
// return value. Start wires the inbound hook: every raw JSON object the
// transport receives is passed to deliver.
type Transport interface {
	Name() string
	Start(ctx context.Context, deliver func(raw []byte)) error
	TrySend(msg Message) bool
	Close() error
}

// ChannelStatus is a snapshot of one registered channel.
type ChannelStatus struct {
	Name     string       `json:"name"`
	State    ChannelState `json:"state"`
	Sent     int64        `json:"sent"`
	Failures int64        `json:"failures"`
	Received int64        `json:"received"`
	Healthy  bool         `json:"healthy"`
}

// MessageSender is the outbound half of the bus, as seen by the engine.
type MessageSender interface {
	Broadcast(msg Message)
}
