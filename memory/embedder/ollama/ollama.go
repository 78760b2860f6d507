// Package ollama embeds text with a local Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/jmsegret/vampire-chat/memory"
)

// Config configures the Ollama embedder.
type Config struct {
	// Host is the server base URL. Default: http://localhost:11434
	Host string

	// Model is the embedding model. Default: nomic-embed-text
	Model string

	// Dimensions is the model's output size. Default: 768
	Dimensions int

	// HTTPClient overrides the default client (60s timeout).
	HTTPClient *http.Client
}

// Embedder calls the Ollama /api/embed endpoint.
type Embedder struct {
	client     *ollama.Client
	model      string
	dimensions int
}

var _ memory.Embedder = (*Embedder)(nil)

// New creates an Ollama embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	u, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}

	return &Embedder{
		client:     ollama.NewClient(u, cfg.HTTPClient),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed returns the unit-length embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response")
	}

	vec := res.Embeddings[0]
	if len(vec) != e.dimensions {
		return nil, fmt.Errorf("ollama embed: model %s returned %d dimensions, want %d", e.model, len(vec), e.dimensions)
	}
	return memory.Normalize(vec), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
