package index

import (
	"sort"
	"sync"
)

// Flat is the exact inner-product index. Vectors live in one contiguous
// float32 buffer; two maps relate storage slots to page IDs. Search is
// a brute-force scan, which is exact by construction and comfortably
// fast at the current corpus scale (hundreds of pages, worst case a few
// hundred thousand).
//
// Updates overwrite the existing slot in place; removals move the last
// slot into the hole, so the buffer stays dense without tombstones.
type Flat struct {
	mu   sync.RWMutex
	dims int

	// data holds count vectors back to back: slot i occupies
	// data[i*dims : (i+1)*dims].
	data []float32

	// ids maps slot -> page ID; slots maps page ID -> slot.
	// Both always cover exactly the live slots.
	ids   []string
	slots map[string]int
}

var _ Index = (*Flat)(nil)

// NewFlat creates an empty exact index for dims-wide vectors.
func NewFlat(dims int) *Flat {
	return &Flat{
		dims:  dims,
		slots: make(map[string]int),
	}
}

// Add inserts or replaces the vector for pageID.
func (f *Flat) Add(pageID string, vec []float32) error {
	normalized, err := normalize(f.dims, vec)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if slot, ok := f.slots[pageID]; ok {
		copy(f.data[slot*f.dims:(slot+1)*f.dims], normalized)
		return nil
	}

	f.slots[pageID] = len(f.ids)
	f.ids = append(f.ids, pageID)
	f.data = append(f.data, normalized...)
	return nil
}

// Remove deletes pageID's vector, compacting by moving the last slot
// into the freed one.
func (f *Flat) Remove(pageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	slot, ok := f.slots[pageID]
	if !ok {
		return false
	}

	last := len(f.ids) - 1
	if slot != last {
		movedID := f.ids[last]
		copy(f.data[slot*f.dims:(slot+1)*f.dims], f.data[last*f.dims:(last+1)*f.dims])
		f.ids[slot] = movedID
		f.slots[movedID] = slot
	}

	f.ids = f.ids[:last]
	f.data = f.data[:last*f.dims]
	delete(f.slots, pageID)
	return true
}

// BulkLoad rebuilds the index from vectors in one critical section.
// Validation and normalization happen before the lock is taken, so
// readers are blocked only for the buffer swap.
func (f *Flat) BulkLoad(vectors map[string][]float32) error {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	// Map iteration order is random; sort for a reproducible layout.
	sort.Strings(ids)

	data := make([]float32, 0, len(ids)*f.dims)
	slots := make(map[string]int, len(ids))
	for i, id := range ids {
		normalized, err := normalize(f.dims, vectors[id])
		if err != nil {
			return err
		}
		data = append(data, normalized...)
		slots[id] = i
	}

	f.mu.Lock()
	f.data = data
	f.ids = ids
	f.slots = slots
	f.mu.Unlock()
	return nil
}

// Search scans every live slot and returns the top-k by inner product.
func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	normalized, err := normalize(f.dims, query)
	if err != nil {
		return nil, err
	}
	if k < 1 {
		return []Result{}, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	count := len(f.ids)
	if count == 0 {
		return []Result{}, nil
	}

	scores := make([]float32, count)
	for slot := 0; slot < count; slot++ {
		base := slot * f.dims
		var dot float32
		for j, q := range normalized {
			dot += q * f.data[base+j]
		}
		scores[slot] = dot
	}

	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	// Descending score; equal scores resolve to the lower slot, which
	// keeps results deterministic across runs.
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})

	if k > count {
		k = count
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		slot := order[i]
		results[i] = Result{PageID: f.ids[slot], Score: scores[slot]}
	}
	return results, nil
}

// Clear releases all vectors.
func (f *Flat) Clear() {
	f.mu.Lock()
	f.data = nil
	f.ids = nil
	f.slots = make(map[string]int)
	f.mu.Unlock()
}

// Stats returns a size snapshot.
func (f *Flat) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Count:       len(f.ids),
		Dimension:   f.dims,
		IndexType:   "flat",
		ApproxBytes: int64(len(f.data)) * 4,
		UniqueIDs:   len(f.slots),
	}
}
