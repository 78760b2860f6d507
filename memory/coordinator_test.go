package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmsegret/vampire-chat/core"
	"github.com/jmsegret/vampire-chat/memory"
	"github.com/jmsegret/vampire-chat/memory/embedder/mock"
	"github.com/jmsegret/vampire-chat/memory/ledger/sqlite"
	"github.com/jmsegret/vampire-chat/memory/vector/flat"
)

const testDims = 64

// flakyEmbedder fails on one exact text.
type flakyEmbedder struct {
	memory.Embedder
	failOn string
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == f.failOn {
		return nil, errors.New("embedding service unavailable")
	}
	return f.Embedder.Embed(ctx, text)
}

// brokenLedger rejects every message.
type brokenLedger struct {
	memory.Ledger
}

func (brokenLedger) AddMessage(ctx context.Context, conversationID string, role core.Role, content string, messageID string) (core.Message, error) {
	return core.Message{}, errors.New("disk full")
}

type fixture struct {
	ledger   *sqlite.Ledger
	index    *memory.EmbeddingIndex
	cfg      memory.IndexConfig
	embedder memory.Embedder
}

func newFixture(t *testing.T, embedder memory.Embedder) *fixture {
	t.Helper()
	dir := t.TempDir()

	if embedder == nil {
		embedder = mock.New(mock.WithDimensions(testDims))
	}

	// Step the clock so every write gets a distinct timestamp.
	var tick int64
	base := time.Date(2024, 10, 31, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	ledger, err := sqlite.New(filepath.Join(dir, "conversations.db"), sqlite.WithClock(clock))
	require.NoError(t, err)

	cfg := memory.IndexConfig{
		IndexPath:    filepath.Join(dir, "index.bin"),
		MetadataPath: filepath.Join(dir, "metadata.json"),
		CacheEntries: 64,
	}
	index, err := memory.OpenIndex(embedder, flat.New(testDims), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	return &fixture{ledger: ledger, index: index, cfg: cfg, embedder: embedder}
}

func (f *fixture) coordinator(config *memory.Config) *memory.Coordinator {
	return memory.NewCoordinator(f.ledger, f.index, config)
}

func TestCoordinator_HelloHiThere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	sess, err := c.StartNewConversation(ctx)
	require.NoError(t, err)

	_, err = c.AddMessage(ctx, sess, core.RoleUser, "Hello")
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, sess, core.RoleAssistant, "Hi there!")
	require.NoError(t, err)

	formatted, err := c.FormatConversation(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, []core.ChatMessage{
		{Role: core.RoleSystem, Content: memory.DefaultPersona},
		{Role: core.RoleUser, Content: "Hello"},
		{Role: core.RoleAssistant, Content: "Hi there!"},
	}, formatted)

	history, err := c.History(ctx, sess, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sess.ConversationID(), history[0].ConversationID)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))

	assert.Equal(t, 2, c.IndexedCount())
	assert.Empty(t, c.PendingReconciliation())
}

func TestCoordinator_CrossConversationRetrieval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	first, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, first, core.RoleUser, "I love dragons")
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, first, core.RoleAssistant, "How wonderful, tell me more!")
	require.NoError(t, err)

	second, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID(), second.ConversationID())

	text, err := c.RelevantContext(ctx, "Tell me about dragons", 5)
	require.NoError(t, err)
	assert.Contains(t, text, "user: I love dragons")

	// The new conversation's own history stays empty.
	history, err := c.History(ctx, second, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCoordinator_AutoCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	sess := c.NewSession()
	assert.Equal(t, "", sess.ConversationID())

	msg, err := c.AddMessage(ctx, sess, core.RoleUser, "Hello")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ConversationID())
	assert.Equal(t, sess.ConversationID(), msg.ConversationID)

	conversations, err := c.RecentConversations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, conversations, 1)
}

func TestCoordinator_NoAutoCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(&memory.Config{AutoCreate: false, Persona: "p", ContextMessages: 3})

	_, err := c.AddMessage(ctx, c.NewSession(), core.RoleUser, "Hello")
	assert.ErrorIs(t, err, core.ErrNoConversation)

	count, err := f.ledger.CountMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, c.IndexedCount())
}

func TestCoordinator_LoadConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	_, err := c.LoadConversation(ctx, "does-not-exist")
	assert.ErrorIs(t, err, core.ErrNotFound)

	sess, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, sess, core.RoleUser, "Remember me?")
	require.NoError(t, err)

	loaded, err := c.LoadConversation(ctx, sess.ConversationID())
	require.NoError(t, err)
	history, err := c.History(ctx, loaded, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Remember me?", history[0].Content)
}

func TestCoordinator_LedgerFailureLeavesIndexUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := memory.NewCoordinator(brokenLedger{Ledger: f.ledger}, f.index, nil)

	sess, err := c.StartNewConversation(ctx)
	require.NoError(t, err)

	_, err = c.AddMessage(ctx, sess, core.RoleUser, "Hello")
	require.Error(t, err)
	assert.Zero(t, c.IndexedCount())
	assert.Empty(t, c.PendingReconciliation())
}

func TestCoordinator_IndexFailureIsReconciled(t *testing.T) {
	ctx := context.Background()
	embedder := &flakyEmbedder{Embedder: mock.New(mock.WithDimensions(testDims)), failOn: "boom"}
	f := newFixture(t, embedder)
	c := f.coordinator(nil)

	sess, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, sess, core.RoleUser, "Hello")
	require.NoError(t, err)

	msg, err := c.AddMessage(ctx, sess, core.RoleUser, "boom")
	require.Error(t, err)
	assert.Equal(t, []string{msg.ID}, c.PendingReconciliation())

	// The Ledger kept the message.
	history, err := c.History(ctx, sess, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, c.IndexedCount())

	embedder.failOn = ""
	rebuilt, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Empty(t, c.PendingReconciliation())
	assert.Equal(t, 2, c.IndexedCount())

	rebuilt, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt, "nothing to do once ledger and index agree")
}

func TestCoordinator_RebuildMatchesIncrementalIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	sess, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	for _, text := range corpus {
		_, err := c.AddMessage(ctx, sess, core.RoleUser, text)
		require.NoError(t, err)
	}
	before := f.index.Records()

	require.NoError(t, c.Rebuild(ctx))
	assert.Equal(t, before, f.index.Records())

	// A fresh process sees the rebuilt files.
	reopened, err := memory.OpenIndex(f.embedder, flat.New(testDims), f.cfg)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, before, reopened.Records())
}

func TestCoordinator_RecentConversationsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	older, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	newer, err := c.StartNewConversation(ctx)
	require.NoError(t, err)

	// Writing to the older conversation moves it to the front.
	_, err = c.AddMessage(ctx, older, core.RoleUser, "Back again")
	require.NoError(t, err)

	conversations, err := c.RecentConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, older.ConversationID(), conversations[0].ID)
	assert.Equal(t, newer.ConversationID(), conversations[1].ID)
}

func TestCoordinator_ResetStartsNewConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.coordinator(nil)

	sess, err := c.StartNewConversation(ctx)
	require.NoError(t, err)
	firstID := sess.ConversationID()

	require.NoError(t, c.Reset(ctx, sess))
	assert.NotEqual(t, firstID, sess.ConversationID())
}
