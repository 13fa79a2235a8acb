// Package bridge relays bus events between server instances over NATS. It is
// optional: a single-process deployment runs on the in-process bus alone, and
// the bridge only exists when a broker URL is configured. The local bus stays
// authoritative; the bridge republishes local events to per-user subjects and
// re-emits remote ones, tagged with an origin name so a message never loops
// back onto the instance that published it.
package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/protocol"
)

// NATS subject patterns for cross-process event fan-out.
const (
	SubjectUserEvents = "events.user" // + .<user_id>
	SubjectBroadcast  = "events.broadcast"
)

// envelope wraps an event for transit with routing metadata.
type envelope struct {
	Origin    string          `json:"origin"`
	UserID    int64           `json:"user_id,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Origin        string        // instance name used for loop suppression
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Origin:        "ember-1",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bridge connects a local Bus to the NATS fan-out subjects. It satisfies
// stream.Publisher, so publishers that would emit on the bus emit through the
// bridge instead and every instance's subscribers see the event.
type Bridge struct {
	conn   *nats.Conn
	local  *bus.Bus
	origin string
	subs   []*nats.Subscription
}

// New connects to NATS and returns a bridge for the given local bus. It
// returns an error if the initial connection fails.
func New(config Config, local *bus.Bus) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Origin),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bridge] disconnected: %v", err)
			} else {
				log.Printf("[bridge] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bridge] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[bridge] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: nats connect: %w", err)
	}

	log.Printf("[bridge] connected to %s as %s", nc.ConnectedUrl(), config.Origin)

	return &Bridge{conn: nc, local: local, origin: config.Origin}, nil
}

// Start subscribes to the fan-out subjects so remote events reach the local
// bus. Call once after New.
func (b *Bridge) Start() error {
	userSub, err := b.conn.Subscribe(SubjectUserEvents+".*", b.handleRemote)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", SubjectUserEvents, err)
	}
	b.subs = append(b.subs, userSub)

	bcastSub, err := b.conn.Subscribe(SubjectBroadcast, b.handleRemote)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", SubjectBroadcast, err)
	}
	b.subs = append(b.subs, bcastSub)

	return nil
}

// Emit delivers the event to local subscribers and republishes it for the
// other instances' subscribers of the same user.
func (b *Bridge) Emit(userID int64, event bus.Event) {
	b.local.Emit(userID, event)
	b.publish(envelope{Origin: b.origin, UserID: userID}, event,
		SubjectUserEvents+"."+strconv.FormatInt(userID, 10))
}

// Broadcast delivers the event to all local subscribers and republishes it to
// every other instance.
func (b *Bridge) Broadcast(event bus.Event) {
	b.local.Broadcast(event)
	b.publish(envelope{Origin: b.origin, Broadcast: true}, event, SubjectBroadcast)
}

// publish serializes the event into env and sends it. Broker failures are
// logged and swallowed: local delivery already happened, and cross-process
// fan-out is best-effort like everything else on the bus.
func (b *Bridge) publish(env envelope, event bus.Event, subject string) {
	raw, err := protocol.Marshal(event)
	if err != nil {
		log.Printf("[bridge] marshal %s failed: %v", event.Type(), err)
		return
	}
	env.Event = raw

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[bridge] marshal envelope failed: %v", err)
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		log.Printf("[bridge] publish %s failed: %v", subject, err)
	}
}

// handleRemote re-emits an event published by another instance onto the local
// bus. Events this instance published are dropped by the origin check.
func (b *Bridge) handleRemote(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[bridge] bad envelope on %s: %v", msg.Subject, err)
		return
	}
	if env.Origin == b.origin {
		return
	}

	event, err := protocol.Unmarshal(env.Event)
	if err != nil {
		log.Printf("[bridge] bad event on %s: %v", msg.Subject, err)
		return
	}

	if env.Broadcast {
		b.local.Broadcast(event)
	} else {
		b.local.Emit(env.UserID, event)
	}
}

// Close drains the subscriptions and the connection.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[bridge] drain %s: %v", sub.Subject, err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		log.Printf("[bridge] connection drain: %v", err)
	}

	log.Printf("[bridge] closed")
}
