package memory_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmsegret/vampire-chat/core"
	"github.com/jmsegret/vampire-chat/memory"
	"github.com/jmsegret/vampire-chat/memory/embedder/mock"
	"github.com/jmsegret/vampire-chat/memory/vector/chromem"
	"github.com/jmsegret/vampire-chat/memory/vector/flat"
)

func indexPaths(t *testing.T) memory.IndexConfig {
	dir := t.TempDir()
	return memory.IndexConfig{
		IndexPath:    filepath.Join(dir, "index.bin"),
		MetadataPath: filepath.Join(dir, "metadata.json"),
		CacheEntries: 100,
	}
}

func openFlatIndex(t *testing.T, cfg memory.IndexConfig, dims int) *memory.EmbeddingIndex {
	t.Helper()
	idx, err := memory.OpenIndex(mock.New(mock.WithDimensions(dims)), flat.New(dims), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func record(i int, role core.Role, content string) memory.Record {
	return memory.Record{
		ID:             fmt.Sprintf("m%d", i),
		ConversationID: "c1",
		Role:           role,
		Content:        content,
		Timestamp:      time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
	}
}

var corpus = []string{
	"I love dragons",
	"Dragons are my favorite creatures too!",
	"What is your favorite color?",
	"I like the color red because it looks like roses",
	"Do vampires sleep in coffins?",
	"Only on weekends, the rest of the time I nap in a hammock",
}

func TestIndexAlignment(t *testing.T) {
	ctx := context.Background()
	idx := openFlatIndex(t, indexPaths(t), 64)

	for i, text := range corpus {
		require.NoError(t, idx.Add(ctx, record(i, core.RoleUser, text)))
	}

	assert.Equal(t, len(corpus), idx.Count())
	records := idx.Records()
	require.Len(t, records, len(corpus))
	for i, rec := range records {
		assert.Equal(t, corpus[i], rec.Content)
		assert.Equal(t, fmt.Sprintf("m%d", i), rec.ID)
	}

	// Each text is its own nearest neighbor.
	for i, text := range corpus {
		hits, err := idx.SearchSimilar(ctx, text, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, fmt.Sprintf("m%d", i), hits[0].ID)
	}
}

func TestIndexPersistReloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	first := openFlatIndex(t, cfg, 64)
	for i, text := range corpus {
		require.NoError(t, first.Add(ctx, record(i, core.RoleUser, text)))
	}

	second := openFlatIndex(t, cfg, 64)
	assert.Equal(t, first.Count(), second.Count())
	assert.Equal(t, first.Records(), second.Records())

	for _, q := range []string{"dragons", "favorite color", "vampires sleep"} {
		want, err := first.SearchSimilar(ctx, q, 3)
		require.NoError(t, err)
		got, err := second.SearchSimilar(ctx, q, 3)
		require.NoError(t, err)
		assert.Equal(t, want, got, "query %q", q)
	}
}

func TestIndexSearchEmpty(t *testing.T) {
	idx := openFlatIndex(t, indexPaths(t), 32)

	hits, err := idx.SearchSimilar(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	text, err := idx.RelevantContext(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestIndexSearchCapsAtCount(t *testing.T) {
	ctx := context.Background()
	idx := openFlatIndex(t, indexPaths(t), 32)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "hello")))
	require.NoError(t, idx.Add(ctx, record(1, core.RoleAssistant, "hi there")))

	hits, err := idx.SearchSimilar(ctx, "hello", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestRelevantContextFormatAndIdempotence(t *testing.T) {
	ctx := context.Background()
	idx := openFlatIndex(t, indexPaths(t), 64)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "I love dragons")))
	require.NoError(t, idx.Add(ctx, record(1, core.RoleAssistant, "Dragons are great")))

	first, err := idx.RelevantContext(ctx, "Tell me about dragons", 5)
	require.NoError(t, err)
	second, err := idx.RelevantContext(ctx, "Tell me about dragons", 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, memory.ContextHeader))
	assert.Contains(t, first, "user: I love dragons\n")
	assert.Contains(t, first, "assistant: Dragons are great\n")
	assert.Equal(t, 2, idx.Count(), "retrieval never mutates the index")
}

func TestFormatContext(t *testing.T) {
	got := memory.FormatContext([]memory.Record{
		{Role: core.RoleUser, Content: "hello"},
		{Role: core.RoleAssistant, Content: "hi there"},
	})
	assert.Equal(t, "Related previous messages:\n\nuser: hello\nassistant: hi there\n", got)
	assert.Equal(t, "", memory.FormatContext(nil))
}

func TestIndexHalfPresentStartsFresh(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	idx := openFlatIndex(t, cfg, 16)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "hello")))
	require.NoError(t, os.Remove(cfg.MetadataPath))

	reopened := openFlatIndex(t, cfg, 16)
	assert.Equal(t, 0, reopened.Count())
}

func TestIndexCountMismatchIsCorrupt(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	idx := openFlatIndex(t, cfg, 16)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "hello")))
	require.NoError(t, idx.Add(ctx, record(1, core.RoleAssistant, "hi there")))
	require.NoError(t, os.WriteFile(cfg.MetadataPath, []byte(`[{"id":"m0","role":"user","content":"hello"}]`), 0o644))

	_, err := memory.OpenIndex(mock.New(mock.WithDimensions(16)), flat.New(16), cfg)
	assert.ErrorIs(t, err, core.ErrIndexCorrupt)
}

func TestIndexDimensionMismatchIsCorrupt(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	idx := openFlatIndex(t, cfg, 16)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "hello")))

	_, err := memory.OpenIndex(mock.New(mock.WithDimensions(32)), flat.New(32), cfg)
	assert.ErrorIs(t, err, core.ErrIndexCorrupt)
}

func TestIndexUnreadableMetadataIsCorrupt(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	idx := openFlatIndex(t, cfg, 16)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "hello")))
	require.NoError(t, os.WriteFile(cfg.MetadataPath, []byte("{not json"), 0o644))

	_, err := memory.OpenIndex(mock.New(mock.WithDimensions(16)), flat.New(16), cfg)
	assert.ErrorIs(t, err, core.ErrIndexCorrupt)
}

func TestIndexOversizedHeaderIsCorrupt(t *testing.T) {
	cfg := indexPaths(t)

	header := []byte("VCFI")
	for _, v := range []uint32{1, 0xFFFFFFFF, 0xFFFFFFFF} {
		header = binary.LittleEndian.AppendUint32(header, v)
	}
	require.NoError(t, os.WriteFile(cfg.IndexPath, header, 0o644))
	require.NoError(t, os.WriteFile(cfg.MetadataPath, []byte("[]"), 0o644))

	_, err := memory.OpenIndex(mock.New(mock.WithDimensions(8)), flat.New(8), cfg)
	assert.ErrorIs(t, err, core.ErrIndexCorrupt)
}

// failingEmbedder delegates to a mock until failAt calls have been made.
type failingEmbedder struct {
	*mock.MockEmbedder
	calls  int
	failAt int
}

func (e *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.failAt > 0 && e.calls >= e.failAt {
		return nil, errors.New("embedding service unavailable")
	}
	return e.MockEmbedder.Embed(ctx, text)
}

func TestIndexFailedReplaceKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	embedder := &failingEmbedder{MockEmbedder: mock.New(mock.WithDimensions(16))}
	idx, err := memory.OpenIndex(embedder, flat.New(16), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	var records []memory.Record
	for i, text := range corpus {
		rec := record(i, core.RoleUser, text)
		records = append(records, rec)
		require.NoError(t, idx.Add(ctx, rec))
	}
	before := idx.Records()

	embedder.failAt = embedder.calls + 3
	err = idx.Replace(ctx, records)
	require.Error(t, err)
	assert.Equal(t, before, idx.Records())

	embedder.failAt = 0
	extra := record(len(corpus), core.RoleAssistant, "Bats are my favorite pets")
	require.NoError(t, idx.Add(ctx, extra))

	reopened := openFlatIndex(t, cfg, 16)
	assert.Equal(t, len(corpus)+1, reopened.Count())
	assert.Equal(t, append(before, extra), reopened.Records())

	hits, err := reopened.SearchSimilar(ctx, "I love dragons", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m0", hits[0].ID)
}

func TestIndexReset(t *testing.T) {
	ctx := context.Background()
	cfg := indexPaths(t)

	idx := openFlatIndex(t, cfg, 16)
	require.NoError(t, idx.Add(ctx, record(0, core.RoleUser, "hello")))
	require.NoError(t, idx.Reset(ctx))
	assert.Equal(t, 0, idx.Count())

	reopened := openFlatIndex(t, cfg, 16)
	assert.Equal(t, 0, reopened.Count())
}

func TestIndexChromemBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := memory.IndexConfig{
		IndexPath:    filepath.Join(dir, "index.gob.gz"),
		MetadataPath: filepath.Join(dir, "metadata.json"),
	}

	open := func() *memory.EmbeddingIndex {
		vectors, err := chromem.New(64)
		require.NoError(t, err)
		idx, err := memory.OpenIndex(mock.New(mock.WithDimensions(64)), vectors, cfg)
		require.NoError(t, err)
		return idx
	}

	first := open()
	for i, text := range corpus {
		require.NoError(t, first.Add(ctx, record(i, core.RoleUser, text)))
	}

	second := open()
	assert.Equal(t, first.Records(), second.Records())

	hits, err := second.SearchSimilar(ctx, "I love dragons", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m0", hits[0].ID)
}
