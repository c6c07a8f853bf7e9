package domain

// HandlerFunc processes one inbound message.
type HandlerFunc func(msg Message)

// MessageBus is the multiplexed send/receive surface exposed to callers.
type MessageBus interface {
	MessageSender
	Handle(msgType string, h HandlerFunc)
	Reply(channel string, msg Message) bool
	Status() []ChannelStatus
}
