package bus

// Event type names as they appear on the wire (SSE event field, JSON type
// discriminator). Clients switch on these to pick a rendering path.
const (
	TypeConnected      = "connected"
	TypeFragmentUpdate = "fragment-update"
	TypeChatUpdate     = "chat-update"
	TypeDocumentUpdate = "document-update"
)

// Event is the closed set of payloads that flow through the Bus. Events are
// immutable once published and are never persisted — a subscriber that was not
// registered at emit time never sees them.
//
// The unexported method keeps the union closed: delivery and encoding code can
// switch over the concrete types exhaustively.
type Event interface {
	Type() string
	isEvent()
}

// MessageChunk carries one increment of an in-progress assistant response.
// A chunk with Final=true terminates the stream for MessageID; if Err is
// non-empty the generation failed upstream and the text already delivered is
// all the client will get.
type MessageChunk struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final"`
	Err       string `json:"error,omitempty"`
}

func (MessageChunk) Type() string { return TypeFragmentUpdate }
func (MessageChunk) isEvent()     {}

// ChatChanged signals a chat-level state change (created, renamed, deleted)
// so other tabs of the same user can refresh their chat list.
type ChatChanged struct {
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Action string `json:"action"`          // "created", "renamed", "deleted"
	Title  string `json:"title,omitempty"` // set for created/renamed
}

func (ChatChanged) Type() string { return TypeChatUpdate }
func (ChatChanged) isEvent()     {}

// DocumentChanged signals a document-level state change within a chat.
type DocumentChanged struct {
	DocumentID int64  `json:"document_id"`
	ChatID     int64  `json:"chat_id"`
	UserID     int64  `json:"user_id"`
	Action     string `json:"action"` // "created", "updated", "deleted"
}

func (DocumentChanged) Type() string { return TypeDocumentUpdate }
func (DocumentChanged) isEvent()     {}

// Connected is the first event written on every new push connection so the
// client knows the stream is live before any real traffic arrives.
type Connected struct {
	SubscriptionID string `json:"subscription_id"`
}

func (Connected) Type() string { return TypeConnected }
func (Connected) isEvent()     {}
