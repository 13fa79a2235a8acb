// Package store persists chats, messages, and documents in SQLite. Schema
// migrations are embedded and applied on open, so a fresh database file is
// ready after the first start.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat is one conversation owned by a user.
type Chat struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn in a chat. An assistant message is created incomplete
// when generation starts and finalized with its full text (or an error) when
// the stream reaches its terminal state.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Error     string    `json:"error,omitempty"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is an artifact attached to a chat.
type Document struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChat inserts a chat for userID and returns it.
func (s *Store) CreateChat(ctx context.Context, userID int64, title string) (Chat, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, title, created_at) VALUES (?, ?, ?)`,
		userID, title, now)
	if err != nil {
		return Chat{}, fmt.Errorf("store: create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Chat{}, fmt.Errorf("store: create chat id: %w", err)
	}
	return Chat{ID: id, UserID: userID, Title: title, CreatedAt: now}, nil
}

// GetChat returns the chat with the given ID, or ErrNotFound.
func (s *Store) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("store: get chat %d: %w", chatID, err)
	}
	return c, nil
}

// DeleteChat removes a chat and, via foreign keys, its messages and documents.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("store: delete chat %d: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a completed message (typically the user's turn).
func (s *Store) AppendMessage(ctx context.Context, chatID int64, role, content string) (Message, error) {
	return s.insertMessage(ctx, chatID, role, content, true)
}

// BeginAssistantMessage inserts an empty, incomplete assistant message for a
// generation about to start. The row gives the client a stable message ID to
// accumulate fragments under.
func (s *Store) BeginAssistantMessage(ctx context.Context, chatID int64) (Message, error) {
	return s.insertMessage(ctx, chatID, RoleAssistant, "", false)
}

func (s *Store) insertMessage(ctx context.Context, chatID int64, role, content string, completed bool) (Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, completed, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, role, content, completed, now)
	if err != nil {
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("store: insert message id: %w", err)
	}
	return Message{ID: id, ChatID: chatID, Role: role, Content: content, Completed: completed, CreatedAt: now}, nil
}

// FinalizeMessage records the full text (and error indicator, if any) of a
// finished generation and marks the message complete.
func (s *Store) FinalizeMessage(ctx context.Context, messageID int64, content, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, error = ?, completed = 1 WHERE id = ?`,
		content, errText, messageID)
	if err != nil {
		return fmt.Errorf("store: finalize message %d: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns all messages in a chat in insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, error, completed, created_at
		 FROM messages WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages chat=%d: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Error, &m.Completed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateDocument inserts a document attached to a chat.
func (s *Store) CreateDocument(ctx context.Context, chatID int64, title, content string) (Document, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (chat_id, title, content, updated_at) VALUES (?, ?, ?, ?)`,
		chatID, title, content, now)
	if err != nil {
		return Document{}, fmt.Errorf("store: create document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Document{}, fmt.Errorf("store: create document id: %w", err)
	}
	return Document{ID: id, ChatID: chatID, Title: title, Content: content, UpdatedAt: now}, nil
}

// GetDocument returns the document with the given ID, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, title, content, updated_at FROM documents WHERE id = ?`, documentID).
		Scan(&d.ID, &d.ChatID, &d.Title, &d.Content, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: get document %d: %w", documentID, err)
	}
	return d, nil
}

// UpdateDocument replaces a document's title and content.
func (s *Store) UpdateDocument(ctx context.Context, documentID int64, title, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, content = ?, updated_at = ? WHERE id = ?`,
		title, content, time.Now().UTC(), documentID)
	if err != nil {
		return fmt.Errorf("store: update document %d: %w", documentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
