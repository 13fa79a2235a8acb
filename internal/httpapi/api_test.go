package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ember/chat-app/internal/auth"
	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/sse"
	"github.com/ember/chat-app/internal/store"
	"github.com/ember/chat-app/internal/stream"
)

// fakeSource yields fixed chunks then io.EOF.
type fakeSource struct {
	chunks []string
	pos    int
}

func (s *fakeSource) Next(context.Context) (string, error) {
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

// recordingSink captures bus events delivered to a test subscriber.
type recordingSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *recordingSink) Receive(ev bus.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Event, len(s.events))
	copy(out, s.events)
	return out
}

type testEnv struct {
	bus      *bus.Bus
	store    *store.Store
	registry *stream.MemoryRegistry
	server   *httptest.Server
}

func newTestEnv(t *testing.T, chunks []string) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	registry := stream.NewMemoryRegistry()
	resolve := auth.HeaderResolver("X-User-ID")

	api := New(Config{
		Store:    db,
		Events:   b,
		Registry: registry,
		Relay:    stream.NewRelay(b, registry),
		Complete: func(context.Context, string) (stream.Source, error) {
			return &fakeSource{chunks: chunks}, nil
		},
		ResolveUser: resolve,
		PushSSE:     sse.NewHandler(b, resolve, time.Minute),
		PushWS:      http.NotFoundHandler(),
	})

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &testEnv{bus: b, store: db, registry: registry, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, userID int64, body interface{}) *http.Response {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != 0 {
		req.Header.Set("X-User-ID", fmt.Sprintf("%d", userID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) createChat(t *testing.T, userID int64, title string) store.Chat {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/chats", userID, map[string]string{"title": title})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat: status %d", resp.StatusCode)
	}
	var chat store.Chat
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	return chat
}

func TestCreateChatEmitsEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	sink := &recordingSink{}
	env.bus.Subscribe(7, sink)

	chat := env.createChat(t, 7, "my chat")
	if chat.Title != "my chat" {
		t.Errorf("unexpected chat: %+v", chat)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	changed, ok := events[0].(bus.ChatChanged)
	if !ok || changed.Action != "created" || changed.ChatID != chat.ID {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestRequestsWithoutUserAreRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/api/chats", 0, map[string]string{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChatOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t, nil)
	chat := env.createChat(t, 7, "mine")

	resp := env.do(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", chat.ID), 8, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's chat, got %d", resp.StatusCode)
	}
}

func TestSendMessageStreamsGeneration(t *testing.T) {
	env := newTestEnv(t, []string{"Hel", "lo"})
	sink := &recordingSink{}
	env.bus.Subscribe(7, sink)

	chat := env.createChat(t, 7, "")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", chat.ID), 7,
		map[string]string{"content": "say hello"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var accepted struct {
		AssistantMessage store.Message `json:"assistant_message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	// Wait for the terminal event.
	var final bus.MessageChunk
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range sink.snapshot() {
			if chunk, ok := ev.(bus.MessageChunk); ok && chunk.Final {
				final = chunk
			}
		}
		if final.Final {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !final.Final {
		t.Fatal("timed out waiting for terminal event")
	}
	if final.MessageID != accepted.AssistantMessage.ID || final.Err != "" {
		t.Errorf("unexpected terminal event: %+v", final)
	}

	// Fragments arrived in order before the final event.
	var texts []string
	for _, ev := range sink.snapshot() {
		if chunk, ok := ev.(bus.MessageChunk); ok && !chunk.Final {
			texts = append(texts, chunk.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "Hel" || texts[1] != "lo" {
		t.Errorf("unexpected fragments: %v", texts)
	}

	// The assistant message was persisted with the accumulated text.
	msgs, err := env.store.ListMessages(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != store.RoleAssistant || last.Content != "Hello" || !last.Completed {
		t.Errorf("unexpected persisted assistant message: %+v", last)
	}

	// The session was cleaned up.
	if env.registry.Len() != 0 {
		t.Errorf("expected empty registry, got %d sessions", env.registry.Len())
	}
}

func TestStopWithoutActiveGeneration(t *testing.T) {
	env := newTestEnv(t, nil)
	chat := env.createChat(t, 7, "")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/stop", chat.ID), 7, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Stopped bool `json:"stopped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Stopped {
		t.Error("stop with no active session should report stopped=false")
	}
}

func TestDocumentEndpointsEmitEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	sink := &recordingSink{}
	env.bus.Subscribe(7, sink)

	chat := env.createChat(t, 7, "")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/documents", chat.ID), 7,
		map[string]string{"title": "notes", "content": "v1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create document: status %d", resp.StatusCode)
	}
	var doc store.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/documents/%d", doc.ID), 7,
		map[string]string{"title": "notes", "content": "v2"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("update document: status %d", resp.StatusCode)
	}

	var actions []string
	for _, ev := range sink.snapshot() {
		if changed, ok := ev.(bus.DocumentChanged); ok {
			actions = append(actions, changed.Action)
		}
	}
	if len(actions) != 2 || actions[0] != "created" || actions[1] != "updated" {
		t.Errorf("unexpected document events: %v", actions)
	}
}

// Error-path test: the completer fails before any chunk is produced, so the
// terminal event comes from the handler rather than the relay.
func TestGenerationStartFailure(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	registry := stream.NewMemoryRegistry()
	resolve := auth.HeaderResolver("X-User-ID")

	api := New(Config{
		Store:    db,
		Events:   b,
		Registry: registry,
		Relay:    stream.NewRelay(b, registry),
		Complete: func(context.Context, string) (stream.Source, error) {
			return nil, fmt.Errorf("provider unreachable")
		},
		ResolveUser: resolve,
		PushSSE:     http.NotFoundHandler(),
		PushWS:      http.NotFoundHandler(),
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	env := &testEnv{bus: b, store: db, registry: registry, server: srv}

	sink := &recordingSink{}
	b.Subscribe(7, sink)

	chat := env.createChat(t, 7, "")
	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", chat.ID), 7,
		map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range sink.snapshot() {
			if chunk, ok := ev.(bus.MessageChunk); ok && chunk.Final {
				if chunk.Err == "" {
					t.Fatalf("terminal event should carry an error indicator: %+v", chunk)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for terminal error event")
}
