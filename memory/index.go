package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/jmsegret/vampire-chat/core"
)

// DefaultSearchResults is used when a caller asks for k <= 0 results.
const DefaultSearchResults = 5

// ContextHeader starts every non-empty context block.
const ContextHeader = "Related previous messages:\n\n"

// IndexConfig configures an EmbeddingIndex.
type IndexConfig struct {
	// IndexPath is the vector index file. Empty disables persistence.
	IndexPath string

	// MetadataPath is the companion JSON array of records.
	MetadataPath string

	// CacheEntries bounds the query embedding cache. Zero disables it.
	CacheEntries int64
}

// EmbeddingIndex keeps a VectorIndex and a parallel list of Records in
// lockstep: the vector at position i belongs to records[i]. Both are
// persisted on every Add.
type EmbeddingIndex struct {
	embedder Embedder
	vectors  VectorIndex
	records  []Record
	config   IndexConfig
	cache    *ristretto.Cache
	mu       sync.Mutex
}

// OpenIndex loads the persisted index if both files exist, otherwise starts
// empty. A half-present pair (one file missing) is logged and replaced.
// Unreadable or inconsistent files fail with core.ErrIndexCorrupt.
func OpenIndex(embedder Embedder, vectors VectorIndex, cfg IndexConfig) (*EmbeddingIndex, error) {
	if vectors.Dimensions() != embedder.Dimensions() {
		return nil, fmt.Errorf("vector index has %d dimensions, embedder produces %d",
			vectors.Dimensions(), embedder.Dimensions())
	}

	idx := &EmbeddingIndex{
		embedder: embedder,
		vectors:  vectors,
		config:   cfg,
	}

	if cfg.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheEntries * 10,
			MaxCost:     cfg.CacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		idx.cache = cache
	}

	if err := idx.load(); err != nil {
		idx.cache.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *EmbeddingIndex) persistent() bool {
	return idx.config.IndexPath != "" && idx.config.MetadataPath != ""
}

func (idx *EmbeddingIndex) load() error {
	if !idx.persistent() {
		return idx.vectors.Reset()
	}

	indexExists, err := fileExists(idx.config.IndexPath)
	if err != nil {
		return err
	}
	metaExists, err := fileExists(idx.config.MetadataPath)
	if err != nil {
		return err
	}

	switch {
	case indexExists && metaExists:
	case !indexExists && !metaExists:
		log.Printf("[INDEX] No index at %s, starting empty", idx.config.IndexPath)
		return idx.vectors.Reset()
	default:
		log.Printf("[INDEX] WARNING: only one of %s and %s exists, starting empty",
			idx.config.IndexPath, idx.config.MetadataPath)
		return idx.vectors.Reset()
	}

	if err := idx.vectors.ReadFile(idx.config.IndexPath); err != nil {
		return fmt.Errorf("%w: read %s: %v", core.ErrIndexCorrupt, idx.config.IndexPath, err)
	}

	raw, err := os.ReadFile(idx.config.MetadataPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", core.ErrIndexCorrupt, idx.config.MetadataPath, err)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("%w: decode %s: %v", core.ErrIndexCorrupt, idx.config.MetadataPath, err)
	}

	if n := idx.vectors.Count(); n != len(records) {
		return fmt.Errorf("%w: %d vectors but %d records", core.ErrIndexCorrupt, n, len(records))
	}
	if d := idx.vectors.Dimensions(); d != idx.embedder.Dimensions() {
		return fmt.Errorf("%w: index has %d dimensions, embedder produces %d",
			core.ErrIndexCorrupt, d, idx.embedder.Dimensions())
	}

	idx.records = records
	log.Printf("[INDEX] Loaded %d records from %s", len(records), idx.config.IndexPath)
	return nil
}

// Add embeds rec.Content, appends vector and record at the same position and
// persists both files before returning.
func (idx *EmbeddingIndex) Add(ctx context.Context, rec Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	embedding, err := idx.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return fmt.Errorf("embed message %s: %w", rec.ID, err)
	}
	if err := idx.vectors.Add(ctx, embedding); err != nil {
		return fmt.Errorf("add vector for %s: %w", rec.ID, err)
	}
	idx.records = append(idx.records, rec)

	if err := idx.persist(); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// SearchSimilar returns up to k records nearest to query, nearest first.
// An empty index yields an empty result.
func (idx *EmbeddingIndex) SearchSimilar(ctx context.Context, query string, k int) ([]Record, error) {
	if k <= 0 {
		k = DefaultSearchResults
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.records) == 0 {
		return []Record{}, nil
	}

	embedding, err := idx.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := idx.vectors.Search(ctx, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]Record, 0, len(hits))
	for _, hit := range hits {
		if hit.Position < 0 || hit.Position >= len(idx.records) {
			continue
		}
		results = append(results, idx.records[hit.Position])
	}
	return results, nil
}

// RelevantContext renders the nearest records as a context block, or ""
// when there are none.
func (idx *EmbeddingIndex) RelevantContext(ctx context.Context, query string, maxMessages int) (string, error) {
	records, err := idx.SearchSimilar(ctx, query, maxMessages)
	if err != nil {
		return "", err
	}
	return FormatContext(records), nil
}

// FormatContext renders records as "role: content" lines under ContextHeader.
func FormatContext(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(ContextHeader)
	for _, rec := range records {
		fmt.Fprintf(&b, "%s: %s\n", rec.Role, rec.Content)
	}
	return b.String()
}

// Count returns the number of indexed records.
func (idx *EmbeddingIndex) Count() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.records)
}

// Records returns a copy of the record list in position order.
func (idx *EmbeddingIndex) Records() []Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]Record, len(idx.records))
	copy(out, idx.records)
	return out
}

// Reset empties the index and persists the empty state.
func (idx *EmbeddingIndex) Reset(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.vectors.Reset(); err != nil {
		return fmt.Errorf("reset vectors: %w", err)
	}
	idx.records = nil
	return idx.persist()
}

// Replace rebuilds the index from records in order and persists once.
// Every record is embedded before the live state is touched, so a failed
// embed leaves the index exactly as it was.
func (idx *EmbeddingIndex) Replace(ctx context.Context, records []Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	embeddings := make([][]float32, len(records))
	for i, rec := range records {
		embedding, err := idx.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed message %s: %w", rec.ID, err)
		}
		embeddings[i] = embedding
	}

	if err := idx.vectors.Reset(); err != nil {
		idx.restore()
		return fmt.Errorf("reset vectors: %w", err)
	}
	for i, embedding := range embeddings {
		if err := idx.vectors.Add(ctx, embedding); err != nil {
			idx.restore()
			return fmt.Errorf("add vector for %s: %w", records[i].ID, err)
		}
	}
	idx.records = append(make([]Record, 0, len(records)), records...)

	if err := idx.persist(); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// restore reloads the last persisted state after a partial rebuild.
// Caller holds mu.
func (idx *EmbeddingIndex) restore() {
	idx.records = nil
	if err := idx.load(); err != nil {
		log.Printf("[INDEX] WARNING: could not restore %s after failed rebuild: %v",
			idx.config.IndexPath, err)
		idx.records = nil
		idx.vectors.Reset()
	}
}

// Close releases the embedding cache.
func (idx *EmbeddingIndex) Close() error {
	idx.cache.Close()
	return nil
}

func (idx *EmbeddingIndex) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if v, ok := idx.cache.Get(query); ok {
		return v.([]float32), nil
	}
	embedding, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if idx.cache.Set(query, embedding, 1) {
		idx.cache.Wait()
	}
	return embedding, nil
}

// persist writes both files to temporaries and renames them into place.
// Caller holds mu.
func (idx *EmbeddingIndex) persist() error {
	if !idx.persistent() {
		return nil
	}

	for _, p := range []string{idx.config.IndexPath, idx.config.MetadataPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}

	indexTmp := idx.config.IndexPath + ".tmp"
	metaTmp := idx.config.MetadataPath + ".tmp"

	if err := idx.vectors.WriteFile(indexTmp); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}

	records := idx.records
	if records == nil {
		records = []Record{}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := os.WriteFile(metaTmp, raw, 0o644); err != nil {
		return fmt.Errorf("write records: %w", err)
	}

	if err := os.Rename(indexTmp, idx.config.IndexPath); err != nil {
		return err
	}
	return os.Rename(metaTmp, idx.config.MetadataPath)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
