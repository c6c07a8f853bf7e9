package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const publishTimeout = 10 * time.Second

// Delivery is one raw inbound object and the channel it arrived on.
type Delivery struct {
	Raw     []byte
	Channel string
}

// Queue serializes inbound deliveries from every transport onto a single
// consumer, so handlers observe one event loop per context.
type Queue struct {
	inbound chan Delivery
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(bufferSize int, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Queue{
		inbound: make(chan Delivery, bufferSize),
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the queue is full instead of dropping.
func (q *Queue) Publish(d Delivery) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Debug("publish to closed queue", "channel", d.Channel)
		return
	}

	select {
	case q.inbound <- d:
	default:
		q.logger.Warn("inbound queue full, waiting", "channel", d.Channel)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case q.inbound <- d:
		case <-timer.C:
			q.logger.Error("message dropped: inbound queue full for 10s", "channel", d.Channel)
		}
	}
}

// Run drains the queue into fn until ctx is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, fn func(Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q.inbound:
			if !ok {
				return
			}
			fn(d)
		}
	}
}

// Len is the number of pending deliveries.
func (q *Queue) Len() int { return len(q.inbound) }

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.inbound)
	}
}
