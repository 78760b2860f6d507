// Package postgres implements memory.Ledger on PostgreSQL through a pgx
// connection pool. It is the shared-deployment alternative to the SQLite
// ledger; the schema and semantics are the same.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmsegret/vampire-chat/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq BIGSERIAL UNIQUE,
	message_id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (conversation_id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp);
`

// SQLSTATE codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Ledger is a PostgreSQL-backed memory.Ledger.
type Ledger struct {
	pool  *pgxpool.Pool
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

// New connects to dsn and creates the tables if they do not exist.
func New(ctx context.Context, dsn string, opts ...Option) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	l := &Ledger{pool: pool, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("[LEDGER] Postgres ledger ready")
	return l, nil
}

// Postgres keeps microseconds; truncating up front keeps returned values
// equal to what a later read produces.
func (l *Ledger) now() time.Time {
	return l.clock().UTC().Truncate(time.Microsecond)
}

// CreateConversation inserts a new conversation row.
func (l *Ledger) CreateConversation(ctx context.Context, id string) (core.Conversation, error) {
	now := l.now()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO conversations (conversation_id, created_at, last_updated) VALUES ($1, $2, $2)`,
		id, now,
	)
	if err != nil {
		return core.Conversation{}, fmt.Errorf("create conversation %s: %w", id, classify(err))
	}
	return core.Conversation{ID: id, CreatedAt: now, LastUpdated: now}, nil
}

// Conversation returns a single conversation.
func (l *Ledger) Conversation(ctx context.Context, id string) (core.Conversation, error) {
	var conv core.Conversation
	err := l.pool.QueryRow(ctx,
		`SELECT conversation_id, created_at, last_updated FROM conversations WHERE conversation_id = $1`, id,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Conversation{}, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return utcConversation(conv), nil
}

// AddMessage inserts the message and bumps last_updated in one transaction.
// The conversation row is locked so concurrent writers to the same
// conversation see each other's timestamps.
func (l *Ledger) AddMessage(ctx context.Context, conversationID string, role core.Role, content string, messageID string) (core.Message, error) {
	if !role.Valid() {
		return core.Message{}, fmt.Errorf("add message: unknown role %q", role)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return core.Message{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastUpdated time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_updated FROM conversations WHERE conversation_id = $1 FOR UPDATE`, conversationID,
	).Scan(&lastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Message{}, fmt.Errorf("add message to conversation %s: %w", conversationID, core.ErrForeignKey)
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("lock conversation: %w", err)
	}

	now := l.now()
	var latest *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&latest); err != nil {
		return core.Message{}, fmt.Errorf("read latest timestamp: %w", err)
	}
	if latest != nil && now.Before(*latest) {
		now = latest.UTC()
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_updated = $1 WHERE conversation_id = $2`, now, conversationID,
	); err != nil {
		return core.Message{}, fmt.Errorf("update conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, content, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		messageID, conversationID, string(role), content, now,
	); err != nil {
		return core.Message{}, fmt.Errorf("insert message %s: %w", messageID, classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Message{}, fmt.Errorf("commit message: %w", err)
	}

	return core.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now,
	}, nil
}

// ConversationHistory returns the conversation's messages oldest first.
// With a positive limit only the newest limit messages are returned.
func (l *Ledger) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = l.pool.Query(ctx, `
			SELECT message_id, conversation_id, role, content, timestamp FROM (
				SELECT seq, message_id, conversation_id, role, content, timestamp
				FROM messages WHERE conversation_id = $1
				ORDER BY timestamp DESC, seq DESC LIMIT $2
			) recent ORDER BY timestamp ASC, seq ASC`,
			conversationID, limit,
		)
	} else {
		rows, err = l.pool.Query(ctx, `
			SELECT message_id, conversation_id, role, content, timestamp
			FROM messages WHERE conversation_id = $1
			ORDER BY timestamp ASC, seq ASC`,
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

	rows, err := l.pool.Query(ctx, `
		SELECT conversation_id, created_at, last_updated FROM conversations
		ORDER BY last_updated DESC, created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []core.Conversation
	for rows.Next() {
		var conv core.Conversation
		if err := rows.Scan(&conv.ID, &conv.CreatedAt, &conv.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, utcConversation(conv))
	}
	return conversations, rows.Err()
}

// IterateMessages streams every message in insertion order.
func (l *Ledger) IterateMessages(ctx context.Context, fn func(core.Message) bool) error {
	rows, err := l.pool.Query(ctx,
		`SELECT message_id, conversation_id, role, content, timestamp FROM messages ORDER BY seq ASC`)
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
	var count int
	err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// Close releases the pool.
func (l *Ledger) Close() error {
	if l.pool != nil {
		l.pool.Close()
	}
	return nil
}

func scanMessage(rows pgx.Rows) (core.Message, error) {
	var msg core.Message
	var role string
	if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.Timestamp); err != nil {
		return core.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = core.Role(role)
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, nil
}

func utcConversation(conv core.Conversation) core.Conversation {
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.LastUpdated = conv.LastUpdated.UTC()
	return conv
}

// classify maps constraint violations onto the core error taxonomy.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%w: %v", core.ErrDuplicateKey, err)
	case foreignKeyViolation:
		return fmt.Errorf("%w: %v", core.ErrForeignKey, err)
	}
	return err
}
