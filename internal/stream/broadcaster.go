package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyConnections is returned when a subscription would exceed the
// broadcaster's hard cap. Callers should surface it as resource exhaustion
// (HTTP 503), not queue the subscriber.
var ErrTooManyConnections = errors.New("too many live connections")

// DefaultMaxSubscribers is the hard cap on live subscribers per broadcaster.
const DefaultMaxSubscribers = 100

// subscriberBuffer is the per-subscriber event buffer. A subscriber that
// falls this far behind is treated as dead and removed.
const subscriberBuffer = 16

// Event is a single message delivered to live subscribers.
type Event struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connectionId,omitempty"`
	PostURI      string   `json:"postUri,omitempty"`
	EmojiKey     string   `json:"emojiKey,omitempty"`
	Count        int      `json:"count"`
	Reactors     []string `json:"reactors,omitempty"`
}

// Subscriber is a live streaming connection handle.
type Subscriber struct {
	id     string
	events chan Event
	once   sync.Once
	done   chan struct{}
}

// ID returns the generated connection id.
func (s *Subscriber) ID() string { return s.id }

// Events returns the channel the subscriber reads events from. The channel
// is closed when the subscriber is removed.
func (s *Subscriber) Events() <-chan Event { return s.events }

// close marks the subscriber dead. Safe to call more than once.
func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
}

// Broadcaster maintains a capped set of live subscribers and fans events out
// to all of them. A send failure on one subscriber removes only that
// subscriber; it never blocks or fails the triggering call.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	max    int
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster with the given subscriber cap. A cap
// of zero or less uses DefaultMaxSubscribers.
func NewBroadcaster(max int, logger *slog.Logger) *Broadcaster {
	if max <= 0 {
		max = DefaultMaxSubscribers
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscriber),
		max:    max,
		logger: logger,
	}
}

// Subscribe registers a new live subscriber. The subscriber immediately
// receives a "connected" event carrying its connection id. Returns
// ErrTooManyConnections when the cap is reached.
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.max {
		return nil, ErrTooManyConnections
	}

	sub := &Subscriber{
		id:     uuid.NewString(),
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	sub.events <- Event{Type: "connected", ConnectionID: sub.id}
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its event channel. Removing an
// unknown id is a no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.close()
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers the event to every live subscriber. A subscriber whose
// buffer is full is removed; the failure is logged and never propagated.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.events <- event:
		default:
			delete(b.subs, id)
			sub.close()
			b.logger.Warn("dropping slow stream subscriber", "connection_id", id)
		}
	}
}

// KeepaliveLoop publishes a keepalive event at the given interval until ctx
// is cancelled. Run it in its own goroutine.
func (b *Broadcaster) KeepaliveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(Event{Type: "keepalive"})
		}
	}
}
