package channel

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"promptrelay/internal/domain"
)

// Dedup remembers recently seen messages so the same message arriving on
// several transports is handled once.
type Dedup struct {
	seen *lru.Cache[string, struct{}]
}

// NewDedup creates a Dedup remembering up to size messages.
func NewDedup(size int) (*Dedup, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{seen: c}, nil
}

// Seen reports whether msg was already seen and remembers it otherwise.
// Messages are the same when type, timestamp, source and payload match.
// Messages without a timestamp cannot be told apart and are never
// reported as duplicates.
func (d *Dedup) Seen(msg domain.Message) bool {
	if msg.Timestamp == 0 {
		return false
	}
	key := msg.Type + "|" + strconv.FormatInt(msg.Timestamp, 10) + "|" + msg.Source + "|" + payloadSum(msg.Payload)
	ok, _ := d.seen.ContainsOrAdd(key, struct{}{})
	return ok
}

// payloadSum hashes the payload, leaving out transport tags ("_" keys).
func payloadSum(payload map[string]any) string {
	clean := make(map[string]any, len(payload))
	for k, v := range payload {
		if !strings.HasPrefix(k, "_") {
			clean[k] = v
		}
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return strconv.FormatUint(h.Sum64(), 36)
}
