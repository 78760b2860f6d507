// Package chromem is a memory.VectorIndex backed by chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/jmsegret/vampire-chat/memory"
)

const collectionName = "messages"

// errNoEmbeddingFunc guards against chromem falling back to its default
// remote embedding function. Vectors always come from memory.Embedder.
var errNoEmbeddingFunc = errors.New("chromem: embeddings must be supplied by the caller")

func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// Index stores one chromem document per vector. The document ID is the
// decimal insertion position, so positions survive export and import.
//
// chromem ranks by cosine similarity over normalized vectors. For unit-norm
// embeddings this is the same order as L2 distance, and Search reports the
// equivalent L2 distance sqrt(2 - 2*sim).
type Index struct {
	db   *chromem.DB
	col  *chromem.Collection
	dims int
	mu   sync.RWMutex
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an empty in-memory index.
func New(dims int) (*Index, error) {
	x := &Index{db: chromem.NewDB(), dims: dims}
	if err := x.Reset(); err != nil {
		return nil, err
	}
	return x, nil
}

// Add stores vector as the document at the next position.
func (x *Index) Add(ctx context.Context, vector []float32) error {
	if len(vector) != x.dims {
		return fmt.Errorf("chromem: vector has %d dimensions, index has %d", len(vector), x.dims)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	doc := chromem.Document{
		ID:        strconv.Itoa(x.col.Count()),
		Embedding: vector,
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns up to k nearest positions.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]memory.Neighbor, error) {
	if len(query) != x.dims {
		return nil, fmt.Errorf("chromem: query has %d dimensions, index has %d", len(query), x.dims)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	// chromem-go requires 0 < nResults <= collection size
	if n := x.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	neighbors := make([]memory.Neighbor, 0, len(results))
	for _, r := range results {
		pos, err := strconv.Atoi(r.ID)
		if err != nil {
			log.Printf("[CHROMEM] Skipping document with non-positional id %q", r.ID)
			continue
		}
		d := 2 - 2*float64(r.Similarity)
		if d < 0 {
			d = 0
		}
		neighbors = append(neighbors, memory.Neighbor{Position: pos, Distance: float32(math.Sqrt(d))})
	}
	return neighbors, nil
}

// Count returns the number of stored vectors.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.col.Count()
}

// Dimensions returns the vector size.
func (x *Index) Dimensions() int {
	return x.dims
}

// Reset drops every document.
func (x *Index) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.Reset(); err != nil {
		return fmt.Errorf("reset db: %w", err)
	}
	col, err := x.db.CreateCollection(collectionName, map[string]string{
		"dimensions": strconv.Itoa(x.dims),
	}, noEmbed)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	x.col = col
	return nil
}

// WriteFile exports the collection as a gzip-compressed gob file.
func (x *Index) WriteFile(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.db.ExportToFile(path, true, "", collectionName)
}

// ReadFile replaces the collection with the one exported at path. The
// dimensions are taken from the stored vectors.
func (x *Index) ReadFile(path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.ImportFromFile(path, "", collectionName); err != nil {
		return fmt.Errorf("import collection: %w", err)
	}

	col := x.db.GetCollection(collectionName, noEmbed)
	if col == nil {
		return fmt.Errorf("chromem: %s has no %q collection", path, collectionName)
	}

	if col.Count() == 0 {
		// An exported empty collection decodes without a document map.
		if err := x.db.DeleteCollection(collectionName); err != nil {
			return fmt.Errorf("delete empty collection: %w", err)
		}
		col, err := x.db.CreateCollection(collectionName, map[string]string{
			"dimensions": strconv.Itoa(x.dims),
		}, noEmbed)
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		x.col = col
		return nil
	}

	for i := 0; i < col.Count(); i++ {
		if _, err := col.GetByID(context.Background(), strconv.Itoa(i)); err != nil {
			return fmt.Errorf("chromem: positions are not contiguous: %w", err)
		}
	}
	first, _ := col.GetByID(context.Background(), "0")
	x.col = col
	x.dims = len(first.Embedding)
	return nil
}
