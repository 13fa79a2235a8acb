package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/metrics"
)

// Source is a lazy, finite, non-restartable sequence of UTF-8 text fragments
// produced by an upstream AI provider. Next returns io.EOF on natural
// exhaustion and any other error on upstream failure; after either, the
// source must not be consumed again.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// Publisher is the slice of the event bus the relay and command handlers
// publish through. Satisfied by *bus.Bus directly and by the NATS bridge when
// cross-process fan-out is enabled.
type Publisher interface {
	Emit(userID int64, event bus.Event)
	Broadcast(event bus.Event)
}

// Relay converts an upstream chunk feed into bus events for one generation.
// Its whole contract is: drain chunks, publish them, respect stop requests at
// chunk boundaries, and always publish a terminal event so the client UI never
// hangs waiting for completion.
type Relay struct {
	events   Publisher
	registry Registry
}

// NewRelay creates a Relay publishing through events and tracking sessions in
// registry.
func NewRelay(events Publisher, registry Registry) *Relay {
	return &Relay{events: events, registry: registry}
}

// Run registers a session for (chatID, userID), drains src chunk by chunk, and
// publishes one non-final fragment event per chunk followed by exactly one
// final event. Cancellation is cooperative: the stop flag is checked before
// each chunk is consumed, so a request lands at the next chunk boundary and
// mid-chunk text is never truncated.
//
// Run returns the accumulated text and, on upstream failure, the error for the
// caller to log and persist. The session is removed on every exit path; the
// final event of a failed stream carries an error indicator, and text already
// delivered is not retracted.
func (r *Relay) Run(ctx context.Context, chatID, userID, messageID int64, src Source) (string, error) {
	key := Key{ChatID: chatID, UserID: userID}
	r.registry.Start(ctx, key, messageID)
	defer r.registry.End(ctx, key)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()
	started := time.Now()

	var text strings.Builder
	for {
		if r.registry.IsStopRequested(ctx, key) {
			log.Printf("[relay] stop requested chat=%d user=%d message=%d", chatID, userID, messageID)
			r.finish(userID, bus.MessageChunk{
				ChatID:    chatID,
				MessageID: messageID,
				UserID:    userID,
				Final:     true,
			})
			metrics.StreamDuration.WithLabelValues("stopped").Observe(time.Since(started).Seconds())
			return text.String(), nil
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.finish(userID, bus.MessageChunk{
				ChatID:    chatID,
				MessageID: messageID,
				UserID:    userID,
				Final:     true,
			})
			metrics.StreamDuration.WithLabelValues("completed").Observe(time.Since(started).Seconds())
			return text.String(), nil
		}
		if err != nil {
			r.finish(userID, bus.MessageChunk{
				ChatID:    chatID,
				MessageID: messageID,
				UserID:    userID,
				Final:     true,
				Err:       "generation failed",
			})
			metrics.StreamDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
			return text.String(), fmt.Errorf("stream: upstream source failed: %w", err)
		}

		text.WriteString(chunk)
		metrics.StreamChunks.Inc()
		r.events.Emit(userID, bus.MessageChunk{
			ChatID:    chatID,
			MessageID: messageID,
			UserID:    userID,
			Text:      chunk,
		})
	}
}

// finish publishes the terminal event for a generation.
func (r *Relay) finish(userID int64, final bus.MessageChunk) {
	r.events.Emit(userID, final)
}
