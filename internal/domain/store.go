package domain

import "context"

// Well-known keys in the shared key-value store. Names are part of the
// cross-context protocol and must stay stable.
const (
	KeyPrompt        = "guardian-prompt"
	KeyStats         = "guardian-stats"
	KeyCommand       = "guardian-command"
	KeyCommandID     = "guardian-command-id"
	KeyInjectCommand = "guardian-inject-command"
	KeyInjectID      = "guardian-inject-id"
	KeyResponse      = "guardian-response"
	KeyResponseID    = "guardian-response-id"
	KeyPeerOffer     = "guardian-webrtc-offer"
	KeyPeerAnswer    = "guardian-webrtc-answer"
)

// KVStore is the shared, unsynchronized key-value store visible to every
// context. Writers are last-write-wins.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
