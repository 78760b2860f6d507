package chromem

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1
	return v
}

func TestAddAndSearch(t *testing.T) {
	ctx := context.Background()
	x, err := New(3)
	require.NoError(t, err)

	require.NoError(t, x.Add(ctx, unit(3, 0)))
	require.NoError(t, x.Add(ctx, unit(3, 1)))
	require.NoError(t, x.Add(ctx, []float32{0.6, 0.8, 0}))
	assert.Equal(t, 3, x.Count())

	hits, err := x.Search(ctx, unit(3, 1), 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, 1, hits[0].Position)
	assert.InDelta(t, 0, hits[0].Distance, 1e-3)
	assert.Equal(t, 2, hits[1].Position)
	assert.Equal(t, 0, hits[2].Position)
	assert.InDelta(t, 1.41421, hits[2].Distance, 1e-3)
}

func TestSearchEmpty(t *testing.T) {
	x, err := New(2)
	require.NoError(t, err)

	hits, err := x.Search(context.Background(), unit(2, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.gob.gz")

	x, err := New(4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, x.Add(ctx, unit(4, i)))
	}
	require.NoError(t, x.WriteFile(path))

	y, err := New(4)
	require.NoError(t, err)
	require.NoError(t, y.ReadFile(path))
	assert.Equal(t, 4, y.Count())
	assert.Equal(t, 4, y.Dimensions())

	want, err := x.Search(ctx, unit(4, 2), 2)
	require.NoError(t, err)
	got, err := y.Search(ctx, unit(4, 2), 2)
	require.NoError(t, err)
	assert.Equal(t, want[0], got[0])

	// New vectors continue at the next position after import.
	require.NoError(t, y.Add(ctx, []float32{0.5, 0.5, 0.5, 0.5}))
	hits, err := y.Search(ctx, []float32{0.5, 0.5, 0.5, 0.5}, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, hits[0].Position)
}

func TestReadFileMissing(t *testing.T) {
	x, err := New(2)
	require.NoError(t, err)
	assert.Error(t, x.ReadFile(filepath.Join(t.TempDir(), "missing.gob")))
}

func TestRejectsWrongDimensions(t *testing.T) {
	x, err := New(2)
	require.NoError(t, err)
	assert.Error(t, x.Add(context.Background(), unit(3, 0)))
}
