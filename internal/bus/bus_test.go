package bus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink captures every delivered event and can be made to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Receive(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink failure")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestEmitDeliversToMatchingUserOnly(t *testing.T) {
	b := New()
	mine := &recordingSink{}
	theirs := &recordingSink{}
	b.Subscribe(7, mine)
	b.Subscribe(8, theirs)

	b.Emit(7, ChatChanged{ChatID: 1, UserID: 7, Action: "created"})

	if got := mine.count(); got != 1 {
		t.Fatalf("expected 1 event for user 7, got %d", got)
	}
	if got := theirs.count(); got != 0 {
		t.Errorf("expected 0 events for user 8, got %d", got)
	}
}

func TestEmitWithNoSubscribersIsNoOp(t *testing.T) {
	b := New()
	// Must not panic or error.
	b.Emit(42, MessageChunk{ChatID: 1, MessageID: 2, UserID: 42, Text: "x"})
}

func TestEmitOrderingPerUser(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.Subscribe(1, sink)

	first := MessageChunk{ChatID: 1, MessageID: 1, UserID: 1, Text: "E1"}
	second := MessageChunk{ChatID: 1, MessageID: 1, UserID: 1, Text: "E2"}
	b.Emit(1, first)
	b.Emit(1, second)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].(MessageChunk).Text != "E1" || events[1].(MessageChunk).Text != "E2" {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestNoDeliveryAfterUnsubscribe(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	id := b.Subscribe(5, sink)

	// Hammer emits from another goroutine while we unsubscribe.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Emit(5, ChatChanged{ChatID: int64(i), UserID: 5, Action: "renamed"})
		}
	}()

	b.Unsubscribe(id)
	afterUnsub := sink.count()

	<-done
	if got := sink.count(); got != afterUnsub {
		t.Errorf("sink received %d events after Unsubscribe returned", got-afterUnsub)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	id := b.Subscribe(1, &recordingSink{})

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Unsubscribe("not-a-subscription")

	if got := b.TotalSubscribers(); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}
}

func TestBroadcastReachesAllUsers(t *testing.T) {
	b := New()
	zero := &recordingSink{}
	high := &recordingSink{}
	b.Subscribe(0, zero)
	b.Subscribe(999, high)

	b.Broadcast(ChatChanged{ChatID: 1, Action: "deleted"})

	if got := zero.count(); got != 1 {
		t.Errorf("user 0: expected 1 event, got %d", got)
	}
	if got := high.count(); got != 1 {
		t.Errorf("user 999: expected 1 event, got %d", got)
	}
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	b := New()
	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	b.Subscribe(3, bad)
	b.Subscribe(3, good)

	b.Emit(3, MessageChunk{ChatID: 1, MessageID: 1, UserID: 3, Text: "hi"})

	if got := good.count(); got != 1 {
		t.Errorf("healthy sink should still receive the event, got %d", got)
	}
}

func TestMultipleSubscriptionsPerUser(t *testing.T) {
	b := New()
	tab1 := &recordingSink{}
	tab2 := &recordingSink{}
	b.Subscribe(9, tab1)
	id2 := b.Subscribe(9, tab2)

	b.Emit(9, ChatChanged{ChatID: 1, UserID: 9, Action: "created"})
	if tab1.count() != 1 || tab2.count() != 1 {
		t.Fatalf("both tabs should receive: tab1=%d tab2=%d", tab1.count(), tab2.count())
	}

	b.Unsubscribe(id2)
	b.Emit(9, ChatChanged{ChatID: 1, UserID: 9, Action: "renamed"})
	if got := tab1.count(); got != 2 {
		t.Errorf("remaining tab: expected 2 events, got %d", got)
	}
	if got := tab2.count(); got != 1 {
		t.Errorf("unsubscribed tab: expected 1 event, got %d", got)
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(2)

	if err := sink.Receive(ChatChanged{ChatID: 1}); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if err := sink.Receive(ChatChanged{ChatID: 2}); err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if err := sink.Receive(ChatChanged{ChatID: 3}); !errors.Is(err, ErrSinkFull) {
		t.Fatalf("expected ErrSinkFull, got %v", err)
	}

	// The buffered events are intact and in order.
	select {
	case ev := <-sink.Events():
		if ev.(ChatChanged).ChatID != 1 {
			t.Errorf("expected chat 1 first, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out reading buffered event")
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			sink := &recordingSink{}
			id := b.Subscribe(user, sink)
			for j := 0; j < 100; j++ {
				b.Emit(user, MessageChunk{ChatID: 1, MessageID: int64(j), UserID: user})
			}
			if got := sink.count(); got != 100 {
				t.Errorf("user %d: expected 100 events, got %d", user, got)
			}
			b.Unsubscribe(id)
		}(int64(i))
	}

	wg.Wait()
	if got := b.TotalSubscribers(); got != 0 {
		t.Errorf("expected 0 subscribers after teardown, got %d", got)
	}
}
