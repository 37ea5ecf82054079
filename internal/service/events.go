package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans check results out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan domain.CheckResult
	nextID int
	buffer int
}

// NewBroadcaster creates a Broadcaster with per-subscriber buffers of size buffer.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{logger: logger, subs: map[int]chan domain.CheckResult{}, buffer: buffer}
}

// Subscribe returns a channel of results and a function that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan domain.CheckResult, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.CheckResult, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers result to every subscriber with buffer room.
func (b *Broadcaster) Publish(result domain.CheckResult) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- result:
		default:
			b.logger.Debug("event dropped for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("username", result.Username),
			)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ port.EventSink = (*Broadcaster)(nil)
