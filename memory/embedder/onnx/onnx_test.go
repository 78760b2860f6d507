//go:build onnx

package onnx

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: ONNX_MODEL_PATH=/models/all-MiniLM-L6-v2 go test -tags onnx ./memory/embedder/onnx
func newEmbedder(t *testing.T) *ONNXEmbedder {
	t.Helper()
	dir := os.Getenv("ONNX_MODEL_PATH")
	if dir == "" {
		t.Skip("ONNX_MODEL_PATH not set")
	}

	e, err := New(Config{
		ModelPath:     filepath.Join(dir, "model.onnx"),
		TokenizerPath: filepath.Join(dir, "tokenizer.json"),
		LibraryPath:   os.Getenv("ONNX_LIBRARY_PATH"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEmbedUnitLength(t *testing.T) {
	e := newEmbedder(t)

	vec, err := e.Embed(context.Background(), "Tell me about bats")
	require.NoError(t, err)
	require.Len(t, vec, e.Dimensions())

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestEmbedSimilarTextsAreCloser(t *testing.T) {
	e := newEmbedder(t)
	ctx := context.Background()

	dragons, err := e.Embed(ctx, "I love dragons")
	require.NoError(t, err)
	moreDragons, err := e.Embed(ctx, "Tell me about dragons")
	require.NoError(t, err)
	homework, err := e.Embed(ctx, "My math homework is due tomorrow")
	require.NoError(t, err)

	assert.Greater(t, dot(dragons, moreDragons), dot(dragons, homework))
}

func TestTokenizerNormalizesAndAddsSpecialTokens(t *testing.T) {
	e := newEmbedder(t)

	hello, err := e.tokenizer.Encode("hello")
	require.NoError(t, err)
	shouted, err := e.tokenizer.Encode("HÉLLO")
	require.NoError(t, err)

	// [CLS] hello [SEP]
	require.Len(t, hello.InputIDs, 3)
	assert.Equal(t, int64(101), hello.InputIDs[0])
	assert.Equal(t, int64(102), hello.InputIDs[2])
	assert.Equal(t, hello.InputIDs, shouted.InputIDs)

	punctuated, err := e.tokenizer.Encode("hello, world!")
	require.NoError(t, err)
	assert.Len(t, punctuated.InputIDs, 6)
}

func TestTokenizerTruncatesToMaxLength(t *testing.T) {
	dir := os.Getenv("ONNX_MODEL_PATH")
	if dir == "" {
		t.Skip("ONNX_MODEL_PATH not set")
	}
	tk, err := LoadTokenizer(filepath.Join(dir, "tokenizer.json"), 8)
	require.NoError(t, err)

	enc, err := tk.Encode("dragons and bats and coffins and castles and moonlight and garlic")
	require.NoError(t, err)
	assert.Len(t, enc.InputIDs, 8)
	assert.Equal(t, int64(102), enc.InputIDs[7])
}

func TestNewRejectsWrongDimensions(t *testing.T) {
	dir := os.Getenv("ONNX_MODEL_PATH")
	if dir == "" {
		t.Skip("ONNX_MODEL_PATH not set")
	}
	_, err := New(Config{
		ModelPath:     filepath.Join(dir, "model.onnx"),
		TokenizerPath: filepath.Join(dir, "tokenizer.json"),
		LibraryPath:   os.Getenv("ONNX_LIBRARY_PATH"),
		Dimensions:    768,
	})
	assert.Error(t, err)
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
