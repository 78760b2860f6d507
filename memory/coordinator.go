package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jmsegret/vampire-chat/core"
)

// DefaultPersona is the system prompt that opens every formatted conversation.
const DefaultPersona = "You are a vampire named Lilly, a friendly teenage vampire who loves chatting with children."

// Session tracks the active conversation of one chat client.
// A zero Session has no conversation yet.
type Session struct {
	mu             sync.Mutex
	conversationID string
}

// ConversationID returns the active conversation id, or "" if none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Coordinator is the single entry point to conversation memory. It commits
// each message to the Ledger and then to the EmbeddingIndex, and serves
// retrieval from the index.
//
// The Ledger is the source of truth. If the index write fails after the
// Ledger commit, the message id is recorded as pending and the index can be
// re-derived with Reconcile or Rebuild.
type Coordinator struct {
	ledger Ledger
	index  *EmbeddingIndex
	config *Config
	newID  func() string

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewCoordinator creates a Coordinator. A nil config uses DefaultConfig.
func NewCoordinator(ledger Ledger, index *EmbeddingIndex, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig
	}
	return &Coordinator{
		ledger:  ledger,
		index:   index,
		config:  config,
		newID:   uuid.NewString,
		pending: make(map[string]struct{}),
	}
}

// NewSession returns a session with no conversation.
func (c *Coordinator) NewSession() *Session {
	return &Session{}
}

// StartNewConversation creates a conversation in the Ledger and returns a
// session bound to it.
func (c *Coordinator) StartNewConversation(ctx context.Context) (*Session, error) {
	sess := &Session{}
	if err := c.startConversation(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Reset binds sess to a brand new conversation.
func (c *Coordinator) Reset(ctx context.Context, sess *Session) error {
	return c.startConversation(ctx, sess)
}

func (c *Coordinator) startConversation(ctx context.Context, sess *Session) error {
	id := c.newID()
	if _, err := c.ledger.CreateConversation(ctx, id); err != nil {
		return err
	}
	sess.mu.Lock()
	sess.conversationID = id
	sess.mu.Unlock()
	log.Printf("[MEMORY] Started conversation %s", id)
	return nil
}

// LoadConversation returns a session bound to an existing conversation.
// Returns core.ErrNotFound if the id is unknown.
func (c *Coordinator) LoadConversation(ctx context.Context, id string) (*Session, error) {
	if _, err := c.ledger.Conversation(ctx, id); err != nil {
		return nil, err
	}
	return &Session{conversationID: id}, nil
}

// AddMessage records a message in the session's conversation. Without a
// conversation it starts one when Config.AutoCreate is set and fails with
// core.ErrNoConversation otherwise.
//
// A Ledger failure is returned without touching the index. An index failure
// is returned after the Ledger commit, with the message marked for
// reconciliation.
func (c *Coordinator) AddMessage(ctx context.Context, sess *Session, role core.Role, content string) (core.Message, error) {
	conversationID, err := c.ensureConversation(ctx, sess)
	if err != nil {
		return core.Message{}, err
	}

	msg, err := c.ledger.AddMessage(ctx, conversationID, role, content, c.newID())
	if err != nil {
		return core.Message{}, fmt.Errorf("ledger: %w", err)
	}

	if err := c.index.Add(ctx, RecordFromMessage(msg)); err != nil {
		c.mu.Lock()
		c.pending[msg.ID] = struct{}{}
		c.mu.Unlock()
		log.Printf("[MEMORY] RECONCILE message=%s conversation=%s: index write failed: %v",
			msg.ID, conversationID, err)
		return msg, fmt.Errorf("index: %w", err)
	}

	log.Printf("[MEMORY] Recorded %s message %s: %q", role, msg.ID, truncateLog(content, 50))
	return msg, nil
}

func (c *Coordinator) ensureConversation(ctx context.Context, sess *Session) (string, error) {
	if sess == nil {
		return "", core.ErrNoConversation
	}
	sess.mu.Lock()
	id := sess.conversationID
	sess.mu.Unlock()
	if id != "" {
		return id, nil
	}
	if !c.config.AutoCreate {
		return "", core.ErrNoConversation
	}
	if err := c.startConversation(ctx, sess); err != nil {
		return "", err
	}
	return sess.ConversationID(), nil
}

// RelevantContext searches every conversation for messages similar to query.
func (c *Coordinator) RelevantContext(ctx context.Context, query string, maxMessages int) (string, error) {
	if maxMessages <= 0 {
		maxMessages = c.config.ContextMessages
	}
	text, err := c.index.RelevantContext(ctx, query, maxMessages)
	if err != nil {
		return "", err
	}
	log.Printf("[MEMORY] Retrieved context for query: %q (%d bytes)", truncateLog(query, 50), len(text))
	return text, nil
}

// FormatConversation returns the persona system message followed by the
// session's full history, oldest first.
func (c *Coordinator) FormatConversation(ctx context.Context, sess *Session) ([]core.ChatMessage, error) {
	messages := []core.ChatMessage{{Role: core.RoleSystem, Content: c.config.Persona}}

	id := ""
	if sess != nil {
		id = sess.ConversationID()
	}
	if id == "" {
		return messages, nil
	}

	history, err := c.ledger.ConversationHistory(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	for _, msg := range history {
		messages = append(messages, core.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return messages, nil
}

// History returns the session's messages, oldest first. A positive limit
// keeps the newest limit messages.
func (c *Coordinator) History(ctx context.Context, sess *Session, limit int) ([]core.Message, error) {
	if sess == nil || sess.ConversationID() == "" {
		return nil, nil
	}
	return c.ledger.ConversationHistory(ctx, sess.ConversationID(), limit)
}

// RecentConversations lists conversations, most recently updated first.
func (c *Coordinator) RecentConversations(ctx context.Context, limit int) ([]core.Conversation, error) {
	return c.ledger.RecentConversations(ctx, limit)
}

// PendingReconciliation returns message ids whose index write failed.
func (c *Coordinator) PendingReconciliation() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rebuild re-derives the index from every Ledger message in insertion order.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	var records []Record
	err := c.ledger.IterateMessages(ctx, func(msg core.Message) bool {
		records = append(records, RecordFromMessage(msg))
		return ctx.Err() == nil
	})
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.index.Replace(ctx, records); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	c.mu.Lock()
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	log.Printf("[MEMORY] Rebuilt index from ledger: %d messages", len(records))
	return nil
}

// Reconcile rebuilds the index when messages are pending or when the Ledger
// and index disagree on the message count. It reports whether a rebuild ran.
func (c *Coordinator) Reconcile(ctx context.Context) (bool, error) {
	total, err := c.ledger.CountMessages(ctx)
	if err != nil {
		return false, fmt.Errorf("count ledger messages: %w", err)
	}

	pending := len(c.PendingReconciliation())
	indexed := c.index.Count()
	if pending == 0 && total == indexed {
		return false, nil
	}

	log.Printf("[MEMORY] RECONCILE ledger=%d index=%d pending=%d", total, indexed, pending)
	if err := c.Rebuild(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// IndexedCount returns the number of messages in the index.
func (c *Coordinator) IndexedCount() int {
	return c.index.Count()
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// Config holds Coordinator configuration.
type Config struct {
	// AutoCreate starts a conversation on the first AddMessage of a session
	// that has none.
	// Default: true
	AutoCreate bool

	// Persona is the system message placed before the history.
	Persona string

	// ContextMessages is the number of related messages retrieved when the
	// caller passes maxMessages <= 0.
	// Default: 5
	ContextMessages int
}

// DefaultConfig matches the chat application's behavior.
var DefaultConfig = &Config{
	AutoCreate:      true,
	Persona:         DefaultPersona,
	ContextMessages: DefaultSearchResults,
}
