// Package index maintains the in-memory nearest-neighbour structure over
// page embedding vectors. The index is a cache: it is rebuilt from the
// upstream store on bootstrap and kept current by the CDC worker, so it
// is never persisted.
package index

import (
	"fmt"
	"math"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
)

// Result is a single search hit.
type Result struct {
	PageID string
	// Score is the cosine similarity to the query, in [-1, 1].
	Score float32
}

// Stats is an observational snapshot of the index.
type Stats struct {
	Count       int    `json:"total_vectors"`
	Dimension   int    `json:"dimension"`
	IndexType   string `json:"index_type"`
	ApproxBytes int64  `json:"memory_usage_bytes"`
	UniqueIDs   int    `json:"unique_page_ids"`
}

// Index is the nearest-neighbour store shared by the retrieval handlers
// and the ingest path. Implementations must be safe for concurrent use:
// searches may run in parallel, and writes must appear atomic to
// readers.
type Index interface {
	// Add inserts the vector under pageID, normalizing it first. If the
	// pageID is already present its stored vector is replaced
	// atomically. Returns a shape error for wrong dimension or
	// non-finite components.
	Add(pageID string, vec []float32) error

	// Remove deletes the vector for pageID. Returns false if absent.
	Remove(pageID string) bool

	// BulkLoad replaces the entire index contents in one atomic step.
	// Concurrent searches observe either the old or the new state,
	// never a mix.
	BulkLoad(vectors map[string][]float32) error

	// Search returns the min(k, count) highest-scoring entries for the
	// query in descending score order. Ties break by insertion order.
	// An empty index returns an empty slice.
	Search(query []float32, k int) ([]Result, error)

	// Clear removes all entries.
	Clear()

	// Stats returns a snapshot of index size and memory use.
	Stats() Stats
}

// New builds an index for the configured backend.
func New(backend string, dims int) (Index, error) {
	switch backend {
	case "", "flat":
		return NewFlat(dims), nil
	case "hnsw":
		return NewHNSW(dims), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

// Validate reports whether vec could be stored: dims components, all
// finite, non-zero magnitude. The checks are exactly what Add
// enforces, so callers can filter bad rows before a bulk load.
func Validate(dims int, vec []float32) error {
	_, err := normalize(dims, vec)
	return err
}

// normalize validates vec against dims and returns an L2-normalized
// copy. The input is never modified.
func normalize(dims int, vec []float32) ([]float32, error) {
	if len(vec) != dims {
		return nil, ragerr.New(ragerr.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected %d dimensions, got %d", dims, len(vec)), nil)
	}

	var sumSquares float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, ragerr.New(ragerr.ErrCodeNonFiniteVector,
				"vector contains a non-finite component", nil)
		}
		sumSquares += f * f
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return nil, ragerr.New(ragerr.ErrCodeNonFiniteVector,
			"zero vector cannot be normalized", nil)
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / magnitude)
	}
	return out, nil
}
