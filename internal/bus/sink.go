package bus

// DefaultSinkBuffer is the per-subscriber queue depth used by the push
// connection handlers. Deep enough to absorb a burst of token chunks while the
// connection goroutine is mid-write; a subscriber that falls further behind
// loses events (at-most-once delivery).
const DefaultSinkBuffer = 64

// ChannelSink adapts a buffered channel to the Sink interface. The owning
// goroutine drains Events; Receive never blocks the publisher.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer depth.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Receive enqueues the event, or returns ErrSinkFull if the consumer has
// fallen buffer-depth events behind.
func (s *ChannelSink) Receive(event Event) error {
	select {
	case s.ch <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

// Events returns the channel the owning connection goroutine selects on.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}
