// Package bus implements the in-process event bus that fans server-generated
// events out to per-user push connections. Delivery is at-most-once and
// best-effort: only sinks subscribed at emit time receive an event, and a sink
// that cannot keep up has events dropped rather than stalling the publisher.
package bus

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ember/chat-app/internal/metrics"
)

// ErrSinkFull is returned by a Sink whose delivery buffer is exhausted. The
// bus logs the drop and moves on to the next subscriber.
var ErrSinkFull = errors.New("bus: sink buffer full, event dropped")

// Sink is the per-subscriber delivery target. Receive must not block: a slow
// consumer returns an error (typically ErrSinkFull) instead of holding up the
// publisher.
type Sink interface {
	Receive(Event) error
}

type subscriber struct {
	id     string
	userID int64
	sink   Sink
}

// Bus routes events to subscribers by user identity. One process-wide instance
// is constructed at startup and handed to every component that publishes or
// subscribes; there is no package-level singleton.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber           // subscription ID -> subscriber
	byUser map[int64]map[string]*subscriber // user ID -> subscription ID -> subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[string]*subscriber),
		byUser: make(map[int64]map[string]*subscriber),
	}
}

// Subscribe registers sink to receive every event addressed to userID plus all
// broadcasts, and returns the subscription ID used to unsubscribe. Multiple
// subscriptions may share a userID (one per open tab or device).
func (b *Bus) Subscribe(userID int64, sink Sink) string {
	sub := &subscriber{
		id:     uuid.NewString(),
		userID: userID,
		sink:   sink,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	userSubs, ok := b.byUser[userID]
	if !ok {
		userSubs = make(map[string]*subscriber)
		b.byUser[userID] = userSubs
	}
	userSubs[sub.id] = sub
	b.mu.Unlock()

	metrics.Subscribers.Inc()
	return sub.id
}

// Unsubscribe removes the registration. It is idempotent and safe to call
// concurrently with an in-flight emit: once Unsubscribe returns, the sink will
// not be invoked again.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		userSubs := b.byUser[sub.userID]
		delete(userSubs, id)
		if len(userSubs) == 0 {
			delete(b.byUser, sub.userID)
		}
	}
	b.mu.Unlock()

	if ok {
		metrics.Subscribers.Dec()
	}
}

// Emit delivers event to every subscriber currently registered for userID.
// With zero subscribers it is a no-op. A failing sink is logged and skipped so
// one dead or lagging consumer never blocks delivery to the others.
//
// Delivery happens under the bus read lock. That serializes emits against
// Unsubscribe (which takes the write lock), and because each sink buffers in
// FIFO order, two emits issued in sequence by the same goroutine reach every
// subscriber in that order.
func (b *Bus) Emit(userID int64, event Event) {
	b.mu.RLock()
	for _, sub := range b.byUser[userID] {
		b.deliver(sub, event)
	}
	b.mu.RUnlock()
}

// Broadcast delivers event to every subscriber regardless of user identity.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	for _, sub := range b.subs {
		b.deliver(sub, event)
	}
	b.mu.RUnlock()
}

// deliver hands event to one subscriber's sink. Callers hold at least the
// read lock.
func (b *Bus) deliver(sub *subscriber, event Event) {
	if err := sub.sink.Receive(event); err != nil {
		log.Printf("[bus] delivery failed sub=%s user=%d type=%s: %v",
			sub.id, sub.userID, event.Type(), err)
		metrics.EventsDropped.WithLabelValues(event.Type()).Inc()
		return
	}
	metrics.EventsDelivered.WithLabelValues(event.Type()).Inc()
}

// SubscriberCount returns the number of active subscriptions for userID.
func (b *Bus) SubscriberCount(userID int64) int {
	b.mu.RLock()
	n := len(b.byUser[userID])
	b.mu.RUnlock()
	return n
}

// TotalSubscribers returns the number of active subscriptions across all users.
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return n
}
