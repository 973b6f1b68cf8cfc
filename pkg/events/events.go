// Package events is the in-process publish/subscribe bus between the
// change manager and the push layer. Subscriptions are scoped to a
// channel name; each subscriber gets its own bounded queue, and a slow
// subscriber loses messages rather than stalling publishers.
package events

import (
	"log/slog"
	"sync"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// DefaultQueueSize bounds a subscriber's backlog.
const DefaultQueueSize = 64

// Subscription is one subscriber's feed. Messages arrive on C in
// publish order. Close the subscription with Bus.Unsubscribe.
type Subscription struct {
	C       <-chan contracts.Envelope
	channel string
	ch      chan contracts.Envelope
}

// Channel returns the channel name this subscription is bound to.
func (s *Subscription) Channel() string { return s.channel }

// Bus fans envelopes out to channel subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription
	queueSize int
	logger    *slog.Logger
	closed    bool
}

// NewBus creates a bus. A non-positive queueSize falls back to
// DefaultQueueSize.
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[string][]*Subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers a new subscriber on the channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		channel: channel,
		ch:      make(chan contracts.Envelope, b.queueSize),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub
}

// Unsubscribe removes the subscriber and closes its feed. Safe to call
// twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.channel]
	for i, s := range list {
		if s == sub {
			b.subs[sub.channel] = append(list[:i], list[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers the envelope to every current subscriber of the
// channel. A full queue drops the message for that subscriber only.
// The read lock is held across the sends; sends are non-blocking, and
// Unsubscribe closes feeds only under the write lock, so a feed can
// never close mid-send.
func (b *Bus) Publish(channel string, env contracts.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("dropping event for slow subscriber", "channel", channel, "type", env.Type)
		}
	}
}

// SubscriberCount reports the live subscriber count for a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close shuts the bus down, closing every subscriber feed. Publishes
// after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
		delete(b.subs, ch)
	}
}
