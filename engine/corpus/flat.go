package corpus

import (
	"bufio"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
)

const (
	indexFile    = "index"
	flatMagic    = "SBFI"
	flatVersion  = uint32(1)
	flatHeaderSz = 16
)

// FlatBackend keeps each generation's vectors in a single binary file next
// to its chunk and metadata artifacts and searches them exhaustively.
type FlatBackend struct{}

// NewFlatBackend returns the file-backed exhaustive index.
func NewFlatBackend() *FlatBackend { return &FlatBackend{} }

func (*FlatBackend) Name() string { return "flat" }

// Write persists vectors to g.Dir/index and syncs the file.
func (*FlatBackend) Write(_ context.Context, g Generation, vectors [][]float32) error {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	f, err := os.Create(filepath.Join(g.Dir, indexFile))
	if err != nil {
		return fmt.Errorf("corpus: flat write: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header := make([]byte, flatHeaderSz)
	copy(header, flatMagic)
	binary.LittleEndian.PutUint32(header[4:], flatVersion)
	binary.LittleEndian.PutUint32(header[8:], uint32(dim))
	binary.LittleEndian.PutUint32(header[12:], uint32(len(vectors)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("corpus: flat write: %w", err)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("corpus: flat write: vector %d has %d dims, want %d: %w", i, len(v), dim, ErrDimensionMismatch)
		}
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("corpus: flat write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("corpus: flat write: %w", err)
	}
	return f.Sync()
}

// Open loads g.Dir/index into memory.
func (*FlatBackend) Open(_ context.Context, g Generation) (Searcher, error) {
	f, err := os.Open(filepath.Join(g.Dir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("corpus: flat open: %w", err)
	}
	defer f.Close()
	return readFlat(bufio.NewReader(f))
}

// Drop is a no-op: the index file goes with the generation directory.
func (*FlatBackend) Drop(context.Context, Generation) error { return nil }

func readFlat(r io.Reader) (*FlatIndex, error) {
	header := make([]byte, flatHeaderSz)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("corpus: flat header: %w", err)
	}
	if string(header[:4]) != flatMagic {
		return nil, errors.New("corpus: flat header: bad magic")
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != flatVersion {
		return nil, fmt.Errorf("corpus: flat header: unsupported version %d", v)
	}
	dim := int(binary.LittleEndian.Uint32(header[8:]))
	n := int(binary.LittleEndian.Uint32(header[12:]))

	data := make([]float32, dim*n)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("corpus: flat body: %w", err)
	}
	return &FlatIndex{dim: dim, n: n, data: data}, nil
}

// FlatIndex is an in-memory exhaustive squared-L2 index.
type FlatIndex struct {
	dim  int
	n    int
	data []float32
}

// NewFlatIndex builds an index over vectors, which must share a dimension.
func NewFlatIndex(vectors [][]float32) (*FlatIndex, error) {
	idx := &FlatIndex{n: len(vectors)}
	if len(vectors) == 0 {
		return idx, nil
	}
	idx.dim = len(vectors[0])
	idx.data = make([]float32, 0, idx.dim*idx.n)
	for i, v := range vectors {
		if len(v) != idx.dim {
			return nil, fmt.Errorf("corpus: vector %d: %w", i, ErrDimensionMismatch)
		}
		idx.data = append(idx.data, v...)
	}
	return idx, nil
}

func (x *FlatIndex) Len() int { return x.n }

// Dim returns the vector dimension.
func (x *FlatIndex) Dim() int { return x.dim }

// Search returns the k nearest vectors, nearest first; equal distances are
// ordered by position.
func (x *FlatIndex) Search(_ context.Context, query []float32, k int) ([]Hit, error) {
	if x.n == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("corpus: query has %d dims, index %d: %w", len(query), x.dim, ErrDimensionMismatch)
	}
	k = min(k, x.n)

	hits := make([]Hit, x.n)
	for i := range x.n {
		v := x.data[i*x.dim : (i+1)*x.dim]
		var d float32
		for j, q := range query {
			diff := v[j] - q
			d += diff * diff
		}
		hits[i] = Hit{Position: i, Distance: d}
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return hits[:k], nil
}
