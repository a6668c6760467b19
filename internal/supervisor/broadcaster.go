// ABOUTME: In-memory fan-out of daemon state transitions
// ABOUTME: Slow subscribers lose events rather than stall the health loops

package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Transition
	closed      bool
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan Transition),
		logger:      logger,
	}
}

// subscribe registers a subscriber that is removed when ctx is cancelled.
func (b *broadcaster) subscribe(ctx context.Context) <-chan Transition {
	subID := uuid.New().String()
	ch := make(chan Transition, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()
	return ch
}

func (b *broadcaster) publish(t Transition) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- t:
		default:
			b.logger.Debug("dropped transition for slow subscriber",
				"daemon_id", t.DaemonID,
				"to", t.To)
		}
	}
}

func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subID]; ok {
		delete(b.subscribers, subID)
		close(ch)
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}
