package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/jmsegret/vampire-chat/memory"
)

// MockEmbedder is a deterministic embedder for testing.
// Each lowercase word is hashed into a signed bucket, so texts that share
// words land near each other. Text with no words falls back to a
// pseudo-random unit vector seeded by the text hash.
type MockEmbedder struct {
	dimensions int
}

// Option configures a MockEmbedder.
type Option func(*MockEmbedder)

// WithDimensions sets the embedding size.
func WithDimensions(n int) Option {
	return func(m *MockEmbedder) {
		if n > 0 {
			m.dimensions = n
		}
	}
}

// New creates a new mock embedder.
func New(opts ...Option) *MockEmbedder {
	m := &MockEmbedder{
		dimensions: 384, // Match all-MiniLM-L6-v2 dimensions
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Embed creates a deterministic embedding from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, m.dimensions)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()
		bucket := int(sum % uint64(m.dimensions))
		if sum&(1<<63) != 0 {
			embedding[bucket] -= 1
		} else {
			embedding[bucket] += 1
		}
	}

	if len(words) == 0 {
		h := fnv.New64a()
		h.Write([]byte(text))
		seed := h.Sum64()
		for i := 0; i < m.dimensions; i++ {
			// Simple LCG (Linear Congruential Generator)
			seed = seed*6364136223846793005 + 1442695040888963407
			embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
		}
	}

	return memory.Normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}
