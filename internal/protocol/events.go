// Package protocol defines the wire representations of bus events: a JSON
// envelope with a type discriminator for WebSocket and broker transports, and
// Server-Sent-Events text framing for the long-lived push endpoint.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ember/chat-app/internal/bus"
)

// Envelope is the JSON wrapper around an event payload. The type field is
// parsed first so the payload can be decoded into the matching concrete
// struct afterwards.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes an event as a JSON envelope.
func Marshal(event bus.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", event.Type(), err)
	}
	return json.Marshal(Envelope{Type: event.Type(), Payload: payload})
}

// Unmarshal decodes a JSON envelope back into its concrete event. Unknown
// types are an error: the event union is closed, so an unknown discriminator
// means a version mismatch between peers.
func Unmarshal(data []byte) (bus.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}

	switch env.Type {
	case bus.TypeFragmentUpdate:
		var ev bus.MessageChunk
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("protocol: bad %s payload: %w", env.Type, err)
		}
		return ev, nil
	case bus.TypeChatUpdate:
		var ev bus.ChatChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("protocol: bad %s payload: %w", env.Type, err)
		}
		return ev, nil
	case bus.TypeDocumentUpdate:
		var ev bus.DocumentChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("protocol: bad %s payload: %w", env.Type, err)
		}
		return ev, nil
	case bus.TypeConnected:
		var ev bus.Connected
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("protocol: bad %s payload: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("protocol: unknown event type %q", env.Type)
	}
}

// WriteFrame writes one SSE frame for the event: an event-type line, a data
// line carrying the JSON payload, and the blank line that terminates the
// frame.
func WriteFrame(w io.Writer, event bus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("protocol: failed to marshal %s payload: %w", event.Type(), err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type(), payload)
	return err
}

// WriteComment writes an SSE comment frame. Client-side parsers ignore it,
// but it resets idle timeouts in proxies between server and client.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
