package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, vec []float32, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{{
				"object":    "embedding",
				"index":     0,
				"embedding": vec,
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	var body map[string]any
	srv := embeddingServer(t, []float32{0, 2, 0, 0}, &body)

	e, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Dimensions: 4})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "Hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1, 0, 0}, vec, 1e-6)
	assert.Equal(t, "text-embedding-3-small", body["model"])
	assert.EqualValues(t, 4, body["dimensions"])
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := embeddingServer(t, []float32{1, 0}, nil)

	e, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Dimensions: 4})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "Hello")
	assert.Error(t, err)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
