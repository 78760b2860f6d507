// Package flat is an exact brute-force L2 vector index.
//
// Every search scans all vectors, which is the right trade for a single
// user's chat history. The on-disk format is a little-endian header
// (magic, version, dimensions, count) followed by the raw float32 data.
package flat

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/jmsegret/vampire-chat/memory"
)

const (
	magic      = "VCFI"
	version    = uint32(1)
	headerSize = 16
)

// ErrFormat is returned by ReadFile when the file is not a flat index.
var ErrFormat = errors.New("flat: invalid index file")

// Index is an in-memory exact L2 index.
type Index struct {
	dims int
	data []float32
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an empty index for vectors of the given size.
func New(dims int) *Index {
	return &Index{dims: dims}
}

// Add appends a vector at the next position.
func (x *Index) Add(ctx context.Context, vector []float32) error {
	if len(vector) != x.dims {
		return fmt.Errorf("flat: vector has %d dimensions, index has %d", len(vector), x.dims)
	}
	x.data = append(x.data, vector...)
	return nil
}

// Search returns up to k nearest vectors by Euclidean distance.
// Equal distances keep the lower position first.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]memory.Neighbor, error) {
	if len(query) != x.dims {
		return nil, fmt.Errorf("flat: query has %d dimensions, index has %d", len(query), x.dims)
	}
	n := x.Count()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	hits := make([]memory.Neighbor, n)
	for i := 0; i < n; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := x.data[i*x.dims : (i+1)*x.dims]
		var sum float64
		for j, v := range row {
			d := float64(v - query[j])
			sum += d * d
		}
		hits[i] = memory.Neighbor{Position: i, Distance: float32(math.Sqrt(sum))}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Distance < hits[b].Distance
	})
	return hits[:k], nil
}

// Count returns the number of stored vectors.
func (x *Index) Count() int {
	if x.dims == 0 {
		return 0
	}
	return len(x.data) / x.dims
}

// Dimensions returns the vector size.
func (x *Index) Dimensions() int {
	return x.dims
}

// Reset drops every vector.
func (x *Index) Reset() error {
	x.data = nil
	return nil
}

// WriteFile writes the index to path.
func (x *Index) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if err := x.encode(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (x *Index) encode(w io.Writer) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	header := []uint32{version, uint32(x.dims), uint32(x.Count())}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if len(x.data) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, x.data)
}

// ReadFile replaces the index contents with the file at path. The
// dimensions recorded in the file win over the ones passed to New.
func (x *Index) ReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || string(m[:]) != magic {
		return ErrFormat
	}

	var header [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if header[0] != version {
		return fmt.Errorf("%w: unsupported version %d", ErrFormat, header[0])
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	dims, count, err := checkSize(header[1], header[2], info.Size())
	if err != nil {
		return err
	}
	data := make([]float32, dims*count)
	if len(data) > 0 {
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return fmt.Errorf("%w: data: %v", ErrFormat, err)
		}
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return fmt.Errorf("%w: trailing bytes", ErrFormat)
	}

	x.dims = dims
	x.data = data
	return nil
}

// checkSize validates the header against the file size before anything is
// allocated.
func checkSize(dims, count uint32, fileSize int64) (int, int, error) {
	if dims == 0 && count > 0 {
		return 0, 0, fmt.Errorf("%w: %d vectors with zero dimensions", ErrFormat, count)
	}
	payload := fileSize - headerSize
	if payload < 0 {
		return 0, 0, fmt.Errorf("%w: truncated header", ErrFormat)
	}
	// Both factors fit in 32 bits, so the product fits in uint64.
	want := uint64(dims) * uint64(count)
	if want > math.MaxInt64/4 || int64(want)*4 != payload {
		return 0, 0, fmt.Errorf("%w: header declares %d x %d floats, file holds %d bytes of data",
			ErrFormat, dims, count, payload)
	}
	return int(dims), int(count), nil
}
