package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ember/chat-app/internal/auth"
	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/metrics"
	"github.com/ember/chat-app/internal/protocol"
)

// DefaultPingInterval is how often a protocol-level ping is written to detect
// dead clients and defeat idle timeouts.
const DefaultPingInterval = 30 * time.Second

// Handler upgrades requests into WebSocket push connections fed by the event
// bus. Outbound only: inbound frames are read solely to service control
// opcodes and detect close.
type Handler struct {
	bus          *bus.Bus
	conns        *ConnectionManager
	resolveUser  auth.Resolver
	pingInterval time.Duration
}

// NewHandler creates a Handler subscribing connections to b.
func NewHandler(b *bus.Bus, conns *ConnectionManager, resolveUser auth.Resolver, pingInterval time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Handler{bus: b, conns: conns, resolveUser: resolveUser, pingInterval: pingInterval}
}

// ServeHTTP upgrades the connection and runs its outbound pump until the
// client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolveUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed user=%d: %v", userID, err)
		return
	}

	conn := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		Conn:      netConn,
		CreatedAt: time.Now(),
	}
	h.conns.Add(conn)

	go h.serve(conn)
}

// serve owns one connection: it subscribes to the bus, starts a reader
// goroutine whose only job is to surface disconnects, and pumps events and
// pings from a single select loop so writes stay serialized with the
// connection's write mutex as the backstop.
func (h *Handler) serve(conn *Connection) {
	sink := bus.NewChannelSink(bus.DefaultSinkBuffer)
	subID := h.bus.Subscribe(conn.UserID, sink)

	metrics.PushConnections.WithLabelValues("ws").Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.bus.Unsubscribe(subID)
		h.conns.Remove(conn.ID)
		metrics.PushConnections.WithLabelValues("ws").Dec()
		log.Printf("[ws] connection closed user=%d conn=%s", conn.UserID, conn.ID)
	}()

	// Reader loop: drains inbound frames (answering control opcodes) and
	// cancels the pump when the client closes or the read errors out.
	go func() {
		defer cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn.Conn); err != nil {
				return
			}
		}
	}()

	data, err := protocol.Marshal(bus.Connected{SubscriptionID: subID})
	if err == nil {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		log.Printf("[ws] initial write failed user=%d conn=%s: %v", conn.UserID, conn.ID, err)
		return
	}

	log.Printf("[ws] connection open user=%d conn=%s", conn.UserID, conn.ID)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := conn.WritePing(); err != nil {
				log.Printf("[ws] ping failed user=%d conn=%s: %v", conn.UserID, conn.ID, err)
				return
			}

		case event := <-sink.Events():
			data, err := protocol.Marshal(event)
			if err != nil {
				log.Printf("[ws] marshal %s failed conn=%s: %v", event.Type(), conn.ID, err)
				continue
			}
			if err := conn.WriteMessage(data); err != nil {
				log.Printf("[ws] event write failed user=%d conn=%s: %v", conn.UserID, conn.ID, err)
				return
			}
		}
	}
}
