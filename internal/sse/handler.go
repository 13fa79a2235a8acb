// Package sse serves the long-lived Server-Sent-Events push connection. Each
// open connection is one goroutine suspended in a select over the next bus
// event, the keep-alive ticker, and client disconnect; the server never closes
// the stream voluntarily except on shutdown.
package sse

import (
	"log"
	"net/http"
	"time"

	"github.com/ember/chat-app/internal/auth"
	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/metrics"
	"github.com/ember/chat-app/internal/protocol"
)

// DefaultKeepAlive is the interval between comment frames written to hold the
// connection open through idle-timeout intermediaries.
const DefaultKeepAlive = 30 * time.Second

// Handler upgrades requests on the push endpoint into long-lived SSE streams
// fed by the event bus.
type Handler struct {
	bus         *bus.Bus
	resolveUser auth.Resolver
	keepAlive   time.Duration
}

// NewHandler creates a Handler subscribing connections to b, authenticating
// them with resolveUser. A keepAlive of zero uses DefaultKeepAlive.
func NewHandler(b *bus.Bus, resolveUser auth.Resolver, keepAlive time.Duration) *Handler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Handler{bus: b, resolveUser: resolveUser, keepAlive: keepAlive}
}

// ServeHTTP runs the connection state machine: resolve the user, subscribe to
// the bus, write the initial connected event, then pump events and keep-alives
// until the client disconnects or a write fails. All writes happen in this
// goroutine, so frames from the bus and the keep-alive ticker never interleave.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	userID, err := h.resolveUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sink := bus.NewChannelSink(bus.DefaultSinkBuffer)
	subID := h.bus.Subscribe(userID, sink)
	defer h.bus.Unsubscribe(subID)

	metrics.PushConnections.WithLabelValues("sse").Inc()
	defer metrics.PushConnections.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := protocol.WriteFrame(w, bus.Connected{SubscriptionID: subID}); err != nil {
		log.Printf("[sse] initial write failed user=%d: %v", userID, err)
		return
	}
	flusher.Flush()

	log.Printf("[sse] connection open user=%d sub=%s", userID, subID)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client disconnect. The deferred unsubscribe releases the sink.
			log.Printf("[sse] connection closed user=%d sub=%s", userID, subID)
			return

		case <-ticker.C:
			if err := protocol.WriteComment(w, "heartbeat"); err != nil {
				log.Printf("[sse] keep-alive write failed user=%d sub=%s: %v", userID, subID, err)
				return
			}
			flusher.Flush()

		case event := <-sink.Events():
			if err := protocol.WriteFrame(w, event); err != nil {
				log.Printf("[sse] event write failed user=%d sub=%s: %v", userID, subID, err)
				return
			}
			flusher.Flush()
		}
	}
}
