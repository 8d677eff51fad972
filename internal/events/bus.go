package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	logger  *zap.Logger
	bufSize int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:  logger,
		bufSize: bufSize,
		subs:    make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to all subscribers without blocking.
// Events to a full subscriber channel are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber",
				zap.String("type", string(ev.Type)),
				zap.String("feature_id", ev.FeatureID),
			)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
