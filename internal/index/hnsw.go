package index

import (
	"sync"

	"github.com/coder/hnsw"
)

// HNSW is the approximate backend, intended for corpora too large for a
// brute-force scan. It wraps a coder/hnsw graph keyed by internal
// uint64 keys, with the same slot<->pageID bijection the flat index
// keeps. Updates and removals use lazy deletion: the old graph node is
// orphaned by dropping its key mapping and filtered out of search
// results, since deleting nodes destabilizes the graph.
type HNSW struct {
	mu    sync.RWMutex
	dims  int
	graph *hnsw.Graph[uint64]

	idMap   map[string]uint64 // page ID -> internal key
	keyMap  map[uint64]string // internal key -> page ID
	nextKey uint64
}

var _ Index = (*HNSW)(nil)

// NewHNSW creates an empty approximate index for dims-wide vectors.
func NewHNSW(dims int) *HNSW {
	return &HNSW{
		dims:   dims,
		graph:  newGraph(),
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

// Add inserts or replaces the vector for pageID.
func (h *HNSW) Add(pageID string, vec []float32) error {
	normalized, err := normalize(h.dims, vec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.idMap[pageID]; ok {
		// Orphan the old node; it stays in the graph but is invisible
		// to searches.
		delete(h.keyMap, existing)
		delete(h.idMap, pageID)
	}

	key := h.nextKey
	h.nextKey++

	h.graph.Add(hnsw.MakeNode(key, normalized))
	h.idMap[pageID] = key
	h.keyMap[key] = pageID
	return nil
}

// Remove orphans pageID's node. Returns false if absent.
func (h *HNSW) Remove(pageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.idMap[pageID]
	if !ok {
		return false
	}
	delete(h.idMap, pageID)
	delete(h.keyMap, key)
	return true
}

// BulkLoad rebuilds the graph from scratch. The new graph is assembled
// off to the side and swapped in under the write lock, so searches see
// either the old or the new graph whole.
func (h *HNSW) BulkLoad(vectors map[string][]float32) error {
	graph := newGraph()
	idMap := make(map[string]uint64, len(vectors))
	keyMap := make(map[uint64]string, len(vectors))

	var key uint64
	for pageID, vec := range vectors {
		normalized, err := normalize(h.dims, vec)
		if err != nil {
			return err
		}
		graph.Add(hnsw.MakeNode(key, normalized))
		idMap[pageID] = key
		keyMap[key] = pageID
		key++
	}

	h.mu.Lock()
	h.graph = graph
	h.idMap = idMap
	h.keyMap = keyMap
	h.nextKey = key
	h.mu.Unlock()
	return nil
}

// Search returns the approximate top-k, skipping orphaned nodes.
func (h *HNSW) Search(query []float32, k int) ([]Result, error) {
	normalized, err := normalize(h.dims, query)
	if err != nil {
		return nil, err
	}
	if k < 1 {
		return []Result{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.idMap) == 0 {
		return []Result{}, nil
	}

	// Over-fetch to cover orphaned nodes still present in the graph.
	orphans := h.graph.Len() - len(h.idMap)
	nodes := h.graph.Search(normalized, k+orphans)

	results := make([]Result, 0, k)
	for _, node := range nodes {
		pageID, live := h.keyMap[node.Key]
		if !live {
			continue
		}
		// Cosine distance is 1 - similarity on unit vectors.
		score := 1 - h.graph.Distance(normalized, node.Value)
		results = append(results, Result{PageID: pageID, Score: score})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Clear releases all state.
func (h *HNSW) Clear() {
	h.mu.Lock()
	h.graph = newGraph()
	h.idMap = make(map[string]uint64)
	h.keyMap = make(map[uint64]string)
	h.nextKey = 0
	h.mu.Unlock()
}

// Stats returns a size snapshot. Memory is estimated from live vectors
// only; orphaned graph nodes are reclaimed at the next BulkLoad.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Count:       len(h.idMap),
		Dimension:   h.dims,
		IndexType:   "hnsw",
		ApproxBytes: int64(len(h.idMap)) * int64(h.dims) * 4,
		UniqueIDs:   len(h.idMap),
	}
}
