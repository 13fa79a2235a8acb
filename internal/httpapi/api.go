// Package httpapi wires the chat CRUD surface and the push endpoints into one
// router. The handlers are thin glue over the store; the interesting work
// (event fan-out, stream coordination) happens in the packages they call.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ember/chat-app/internal/auth"
	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/metrics"
	"github.com/ember/chat-app/internal/ratelimit"
	"github.com/ember/chat-app/internal/store"
	"github.com/ember/chat-app/internal/stream"
)

// DefaultGenerationTimeout caps a single generation stream end to end.
const DefaultGenerationTimeout = 5 * time.Minute

// Completer starts a generation for a prompt and returns its chunk source.
type Completer func(ctx context.Context, prompt string) (stream.Source, error)

// Config collects the collaborators the API needs.
type Config struct {
	Store             *store.Store
	Events            stream.Publisher
	Registry          stream.Registry
	Relay             *stream.Relay
	Limiter           *ratelimit.Limiter // nil disables rate limiting
	Complete          Completer
	ResolveUser       auth.Resolver
	PushSSE           http.Handler
	PushWS            http.Handler
	GenerationTimeout time.Duration
}

// API holds the handler state.
type API struct {
	cfg Config
}

// New creates the API. A zero GenerationTimeout uses the default.
func New(cfg Config) *API {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	return &API{cfg: cfg}
}

// Router builds the HTTP routing table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Method(http.MethodGet, "/events", a.cfg.PushSSE)
	r.Method(http.MethodGet, "/ws", a.cfg.PushWS)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/chats", a.createChat)
		r.Delete("/chats/{chatID}", a.deleteChat)
		r.Get("/chats/{chatID}/messages", a.listMessages)
		r.Post("/chats/{chatID}/messages", a.sendMessage)
		r.Post("/chats/{chatID}/stop", a.stopGeneration)
		r.Post("/chats/{chatID}/documents", a.createDocument)
		r.Put("/documents/{documentID}", a.updateDocument)
	})

	return r
}

// ownedChat resolves the user, parses the chatID route param, and verifies
// ownership. Chats belonging to other users 404 rather than 403 so the ID
// space is not probeable.
func (a *API) ownedChat(w http.ResponseWriter, r *http.Request) (store.Chat, int64, bool) {
	userID, err := a.cfg.ResolveUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return store.Chat{}, 0, false
	}

	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		http.Error(w, "bad chat id", http.StatusBadRequest)
		return store.Chat{}, 0, false
	}

	chat, err := a.cfg.Store.GetChat(r.Context(), chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && chat.UserID != userID) {
		http.Error(w, "not found", http.StatusNotFound)
		return store.Chat{}, 0, false
	}
	if err != nil {
		log.Printf("[api] get chat %d: %v", chatID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return store.Chat{}, 0, false
	}
	return chat, userID, true
}

func (a *API) createChat(w http.ResponseWriter, r *http.Request) {
	userID, err := a.cfg.ResolveUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	chat, err := a.cfg.Store.CreateChat(r.Context(), userID, req.Title)
	if err != nil {
		log.Printf("[api] create chat: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.cfg.Events.Emit(userID, bus.ChatChanged{
		ChatID: chat.ID,
		UserID: userID,
		Action: "created",
		Title:  chat.Title,
	})
	writeJSON(w, http.StatusCreated, chat)
}

func (a *API) deleteChat(w http.ResponseWriter, r *http.Request) {
	chat, userID, ok := a.ownedChat(w, r)
	if !ok {
		return
	}

	if err := a.cfg.Store.DeleteChat(r.Context(), chat.ID); err != nil {
		log.Printf("[api] delete chat %d: %v", chat.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.cfg.Events.Emit(userID, bus.ChatChanged{
		ChatID: chat.ID,
		UserID: userID,
		Action: "deleted",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	chat, _, ok := a.ownedChat(w, r)
	if !ok {
		return
	}

	msgs, err := a.cfg.Store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		log.Printf("[api] list messages chat=%d: %v", chat.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage persists the user's turn, creates the assistant message row, and
// starts the generation in the background. The response returns immediately;
// the reply arrives as fragment-update events on the push connection.
func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	chat, userID, ok := a.ownedChat(w, r)
	if !ok {
		return
	}

	if a.cfg.Limiter != nil {
		allowed, _ := a.cfg.Limiter.Allow(r.Context(), strconv.FormatInt(userID, 10), ratelimit.RuleGenerate)
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	userMsg, err := a.cfg.Store.AppendMessage(r.Context(), chat.ID, store.RoleUser, req.Content)
	if err != nil {
		log.Printf("[api] append message chat=%d: %v", chat.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	asstMsg, err := a.cfg.Store.BeginAssistantMessage(r.Context(), chat.ID)
	if err != nil {
		log.Printf("[api] begin assistant message chat=%d: %v", chat.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	prompt, err := a.buildPrompt(r.Context(), chat.ID)
	if err != nil {
		log.Printf("[api] build prompt chat=%d: %v", chat.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The generation outlives this request; it runs on its own context and
	// reports back through the bus and the store.
	go a.generate(chat.ID, userID, asstMsg.ID, prompt)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"user_message":      userMsg,
		"assistant_message": asstMsg,
	})
}

// buildPrompt flattens the chat history into the provider prompt.
func (a *API) buildPrompt(ctx context.Context, chatID int64) (string, error) {
	msgs, err := a.cfg.Store.ListMessages(ctx, chatID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range msgs {
		if !m.Completed || m.Content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(store.RoleAssistant + ":")
	return b.String(), nil
}

// generate runs one generation end to end: start the upstream stream, relay
// its chunks onto the bus, and persist the outcome. Runs in its own goroutine
// with a detached, bounded context.
func (a *API) generate(chatID, userID, messageID int64, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GenerationTimeout)
	defer cancel()

	src, err := a.cfg.Complete(ctx, prompt)
	if err != nil {
		log.Printf("[api] generation start failed chat=%d message=%d: %v", chatID, messageID, err)
		// The relay never ran, so publish the terminal event here.
		a.cfg.Events.Emit(userID, bus.MessageChunk{
			ChatID:    chatID,
			MessageID: messageID,
			UserID:    userID,
			Final:     true,
			Err:       "generation failed",
		})
		if err := a.cfg.Store.FinalizeMessage(ctx, messageID, "", "generation failed"); err != nil {
			log.Printf("[api] finalize message %d: %v", messageID, err)
		}
		return
	}
	if closer, ok := src.(io.Closer); ok {
		defer closer.Close()
	}

	text, relayErr := a.cfg.Relay.Run(ctx, chatID, userID, messageID, src)
	errText := ""
	if relayErr != nil {
		log.Printf("[api] generation failed chat=%d message=%d: %v", chatID, messageID, relayErr)
		errText = "generation failed"
	}
	if err := a.cfg.Store.FinalizeMessage(ctx, messageID, text, errText); err != nil {
		log.Printf("[api] finalize message %d: %v", messageID, err)
	}
}

func (a *API) stopGeneration(w http.ResponseWriter, r *http.Request) {
	chat, userID, ok := a.ownedChat(w, r)
	if !ok {
		return
	}

	stopped := a.cfg.Registry.RequestStop(r.Context(), stream.Key{ChatID: chat.ID, UserID: userID})
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request) {
	chat, userID, ok := a.ownedChat(w, r)
	if !ok {
		return
	}

	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	doc, err := a.cfg.Store.CreateDocument(r.Context(), chat.ID, req.Title, req.Content)
	if err != nil {
		log.Printf("[api] create document chat=%d: %v", chat.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.cfg.Events.Emit(userID, bus.DocumentChanged{
		DocumentID: doc.ID,
		ChatID:     chat.ID,
		UserID:     userID,
		Action:     "created",
	})
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) updateDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := a.cfg.ResolveUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	documentID, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil {
		http.Error(w, "bad document id", http.StatusBadRequest)
		return
	}

	doc, err := a.cfg.Store.GetDocument(r.Context(), documentID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[api] get document %d: %v", documentID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	chat, err := a.cfg.Store.GetChat(r.Context(), doc.ChatID)
	if err != nil || chat.UserID != userID {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	if err := a.cfg.Store.UpdateDocument(r.Context(), documentID, req.Title, req.Content); err != nil {
		log.Printf("[api] update document %d: %v", documentID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.cfg.Events.Emit(userID, bus.DocumentChanged{
		DocumentID: documentID,
		ChatID:     doc.ChatID,
		UserID:     userID,
		Action:     "updated",
	})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}
