// Package sqlite implements memory.Ledger on a local SQLite file using the
// pure Go modernc.org/sqlite driver.
//
// A connection is opened and closed per operation; concurrent processes are
// serialized by SQLite's own locking (busy_timeout + WAL).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jmsegret/vampire-chat/core"
)

// timeLayout is fixed width so that text comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations (conversation_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp);
`

// Ledger is a SQLite-backed memory.Ledger.
type Ledger struct {
	path  string
	dsn   string
	clock func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used to stamp conversations and messages.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates the database file (and its directory) if needed and
// initializes the schema.
func New(path string, opts ...Option) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	l := &Ledger{
		path:  path,
		dsn:   fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	db, err := l.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("[LEDGER] SQLite ledger ready at %s", path)
	return l, nil
}

// open returns a fresh handle; callers close it when the operation ends.
func (l *Ledger) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", l.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC()
}

// CreateConversation inserts a new conversation row.
func (l *Ledger) CreateConversation(ctx context.Context, id string) (core.Conversation, error) {
	db, err := l.open()
	if err != nil {
		return core.Conversation{}, err
	}
	defer db.Close()

	now := l.now()
	stamp := now.Format(timeLayout)
	_, err = db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, created_at, last_updated) VALUES (?, ?, ?)`,
		id, stamp, stamp,
	)
	if err != nil {
		return core.Conversation{}, fmt.Errorf("create conversation %s: %w", id, classify(err))
	}

	ts, _ := time.Parse(timeLayout, stamp)
	return core.Conversation{ID: id, CreatedAt: ts, LastUpdated: ts}, nil
}

// Conversation returns a single conversation.
func (l *Ledger) Conversation(ctx context.Context, id string) (core.Conversation, error) {
	db, err := l.open()
	if err != nil {
		return core.Conversation{}, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx,
		`SELECT conversation_id, created_at, last_updated FROM conversations WHERE conversation_id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Conversation{}, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// AddMessage inserts the message and bumps last_updated in one transaction.
// The timestamp never goes backwards within a conversation, even if the
// wall clock does.
func (l *Ledger) AddMessage(ctx context.Context, conversationID string, role core.Role, content string, messageID string) (core.Message, error) {
	if !role.Valid() {
		return core.Message{}, fmt.Errorf("add message: unknown role %q", role)
	}

	db, err := l.open()
	if err != nil {
		return core.Message{}, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return core.Message{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now()
	var latest sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&latest); err != nil {
		return core.Message{}, fmt.Errorf("read latest timestamp: %w", err)
	}
	if latest.Valid {
		if prev, err := time.Parse(timeLayout, latest.String); err == nil && now.Before(prev) {
			now = prev
		}
	}
	stamp := now.Format(timeLayout)

	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_updated = ? WHERE conversation_id = ?`,
		stamp, conversationID,
	)
	if err != nil {
		return core.Message{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.Message{}, fmt.Errorf("add message to conversation %s: %w", conversationID, core.ErrForeignKey)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		messageID, conversationID, string(role), content, stamp,
	)
	if err != nil {
		return core.Message{}, fmt.Errorf("insert message %s: %w", messageID, classify(err))
	}

	if err := tx.Commit(); err != nil {
		return core.Message{}, fmt.Errorf("commit message: %w", err)
	}

	ts, _ := time.Parse(timeLayout, stamp)
	return core.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      ts,
	}, nil
}

// ConversationHistory returns the conversation's messages oldest first.
// With a positive limit only the newest limit messages are returned.
func (l *Ledger) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	db, err := l.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var rows *sql.Rows
	if limit > 0 {
		rows, err = db.QueryContext(ctx,
			`SELECT message_id, conversation_id, role, content, timestamp FROM (
				SELECT rowid AS seq, message_id, conversation_id, role, content, timestamp
				FROM messages WHERE conversation_id = ?
				ORDER BY timestamp DESC, rowid DESC LIMIT ?
			) ORDER BY timestamp ASC, seq ASC`,
			conversationID, limit,
		)
	} else {
		rows, err = db.QueryContext(ctx,
			`SELECT message_id, conversation_id, role, content, timestamp
			 FROM messages WHERE conversation_id = ?
			 ORDER BY timestamp ASC, rowid ASC`,
			conversationID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// RecentConversations returns up to limit conversations, most recently
// updated first. A non-positive limit means 10.
func (l *Ledger) RecentConversations(ctx context.Context, limit int) ([]core.Conversation, error) {
	if limit <= 0 {
		limit = 10
	}

	db, err := l.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT conversation_id, created_at, last_updated FROM conversations
		 ORDER BY last_updated DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []core.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// IterateMessages streams every message in insertion order.
func (l *Ledger) IterateMessages(ctx context.Context, fn func(core.Message) bool) error {
	db, err := l.open()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, timestamp FROM messages ORDER BY rowid ASC`)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if !fn(msg) {
			break
		}
	}
	return rows.Err()
}

// CountMessages returns the number of stored messages.
func (l *Ledger) CountMessages(ctx context.Context) (int, error) {
	db, err := l.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// Close is a no-op; no connection outlives an operation.
func (l *Ledger) Close() error {
	return nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (core.Conversation, error) {
	var conv core.Conversation
	var createdAt, lastUpdated string
	if err := s.Scan(&conv.ID, &createdAt, &lastUpdated); err != nil {
		return core.Conversation{}, err
	}
	conv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	conv.LastUpdated, _ = time.Parse(timeLayout, lastUpdated)
	return conv, nil
}

func scanMessage(s scanner) (core.Message, error) {
	var msg core.Message
	var role, timestamp string
	if err := s.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &timestamp); err != nil {
		return core.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = core.Role(role)
	msg.Timestamp, _ = time.Parse(timeLayout, timestamp)
	return msg, nil
}

// classify maps SQLite constraint failures onto the core error taxonomy.
func classify(err error) error {
	var serr *sqlitedriver.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %v", core.ErrDuplicateKey, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %v", core.ErrForeignKey, err)
	}
	return err
}
