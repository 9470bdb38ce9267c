package index

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
)

// testDims keeps test vectors readable; the production width is fixed
// elsewhere and the index is generic over it.
const testDims = 4

func unit(values ...float32) []float32 {
	var sum float64
	for _, v := range values {
		sum += float64(v) * float64(v)
	}
	mag := float32(math.Sqrt(sum))
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = v / mag
	}
	return out
}

// ============================================================================
// Add / Remove
// ============================================================================

func TestFlatAddAndSearch(t *testing.T) {
	idx := NewFlat(testDims)

	require.NoError(t, idx.Add("page-a", []float32{1, 0, 0, 0}))
	require.NoError(t, idx.Add("page-b", []float32{0, 1, 0, 0}))
	require.NoError(t, idx.Add("page-c", []float32{0.9, 0.1, 0, 0}))

	results, err := idx.Search([]float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "page-a", results[0].PageID)
	assert.Equal(t, "page-c", results[1].PageID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
}

func TestFlatAddNormalizes(t *testing.T) {
	idx := NewFlat(testDims)

	// Same direction, different magnitude: must score identically.
	require.NoError(t, idx.Add("small", []float32{0.001, 0, 0, 0}))
	require.NoError(t, idx.Add("large", []float32{1000, 0, 0, 0}))

	results, err := idx.Search([]float32{5, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, float64(results[0].Score), float64(results[1].Score), 1e-6)
}

func TestFlatAddReplacesExisting(t *testing.T) {
	idx := NewFlat(testDims)

	require.NoError(t, idx.Add("page-a", []float32{1, 0, 0, 0}))
	require.NoError(t, idx.Add("page-a", []float32{0, 1, 0, 0}))

	assert.Equal(t, 1, idx.Stats().Count)

	results, err := idx.Search([]float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "page-a", results[0].PageID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
}

func TestFlatAddShapeErrors(t *testing.T) {
	idx := NewFlat(testDims)

	tests := []struct {
		name string
		vec  []float32
		code string
	}{
		{"too short", []float32{1, 0}, ragerr.ErrCodeDimensionMismatch},
		{"too long", []float32{1, 0, 0, 0, 0}, ragerr.ErrCodeDimensionMismatch},
		{"nan component", []float32{float32(math.NaN()), 0, 0, 0}, ragerr.ErrCodeNonFiniteVector},
		{"inf component", []float32{float32(math.Inf(1)), 0, 0, 0}, ragerr.ErrCodeNonFiniteVector},
		{"zero vector", []float32{0, 0, 0, 0}, ragerr.ErrCodeNonFiniteVector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.Add("page-x", tt.vec)
			require.Error(t, err)
			assert.Equal(t, tt.code, ragerr.GetCode(err))
		})
	}

	// Nothing was admitted.
	assert.Equal(t, 0, idx.Stats().Count)
}

func TestFlatRemove(t *testing.T) {
	idx := NewFlat(testDims)

	require.NoError(t, idx.Add("page-a", []float32{1, 0, 0, 0}))
	require.NoError(t, idx.Add("page-b", []float32{0, 1, 0, 0}))
	require.NoError(t, idx.Add("page-c", []float32{0, 0, 1, 0}))

	assert.True(t, idx.Remove("page-b"))
	assert.False(t, idx.Remove("page-b"), "second remove of same id")
	assert.False(t, idx.Remove("never-there"))
	assert.Equal(t, 2, idx.Stats().Count)

	// The survivor moved into the freed slot must still be findable.
	results, err := idx.Search([]float32{0, 0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "page-c", results[0].PageID)

	// The removed id must never surface again.
	results, err = idx.Search([]float32{0, 1, 0, 0}, 3)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "page-b", r.PageID)
	}
}

func TestFlatRemoveLastSlot(t *testing.T) {
	idx := NewFlat(testDims)

	require.NoError(t, idx.Add("page-a", []float32{1, 0, 0, 0}))
	assert.True(t, idx.Remove("page-a"))
	assert.Equal(t, 0, idx.Stats().Count)

	results, err := idx.Search([]float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// ============================================================================
// Search
// ============================================================================

func TestFlatSearchEmptyIndex(t *testing.T) {
	idx := NewFlat(testDims)

	results, err := idx.Search([]float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFlatSearchKLargerThanCount(t *testing.T) {
	idx := NewFlat(testDims)
	require.NoError(t, idx.Add("only", []float32{1, 0, 0, 0}))

	results, err := idx.Search([]float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFlatSearchDescendingOrder(t *testing.T) {
	idx := NewFlat(testDims)

	for i := 0; i < 8; i++ {
		angle := float64(i) * 0.2
		vec := []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0, 0}
		require.NoError(t, idx.Add(fmt.Sprintf("page-%d", i), vec))
	}

	results, err := idx.Search([]float32{1, 0, 0, 0}, 8)
	require.NoError(t, err)
	require.Len(t, results, 8)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	assert.Equal(t, "page-0", results[0].PageID)
}

func TestFlatSearchRejectsBadQuery(t *testing.T) {
	idx := NewFlat(testDims)
	require.NoError(t, idx.Add("page-a", []float32{1, 0, 0, 0}))

	_, err := idx.Search([]float32{1, 0}, 1)
	assert.Equal(t, ragerr.ErrCodeDimensionMismatch, ragerr.GetCode(err))

	_, err = idx.Search([]float32{float32(math.NaN()), 0, 0, 0}, 1)
	assert.Equal(t, ragerr.ErrCodeNonFiniteVector, ragerr.GetCode(err))
}

// ============================================================================
// BulkLoad
// ============================================================================

func TestFlatBulkLoadReplacesContents(t *testing.T) {
	idx := NewFlat(testDims)
	require.NoError(t, idx.Add("old", []float32{1, 0, 0, 0}))

	err := idx.BulkLoad(map[string][]float32{
		"new-a": {0, 1, 0, 0},
		"new-b": {0, 0, 1, 0},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Stats().Count)
	assert.False(t, idx.Remove("old"), "old contents must be gone")
}

func TestFlatBulkLoadFailureLeavesIndexIntact(t *testing.T) {
	idx := NewFlat(testDims)
	require.NoError(t, idx.Add("keep", []float32{1, 0, 0, 0}))

	err := idx.BulkLoad(map[string][]float32{
		"good": {0, 1, 0, 0},
		"bad":  {0, 1}, // wrong width
	})
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeDimensionMismatch, ragerr.GetCode(err))

	// Prior contents survive a failed load.
	assert.Equal(t, 1, idx.Stats().Count)
	results, err := idx.Search([]float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].PageID)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestFlatConcurrentReadWrite(t *testing.T) {
	idx := NewFlat(testDims)
	for i := 0; i < 50; i++ {
		require.NoError(t, idx.Add(fmt.Sprintf("seed-%d", i), unit(float32(i+1), 1, 1, 1)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = idx.Add(fmt.Sprintf("writer-%d-%d", w, i), unit(1, float32(i+1), 1, 1))
				idx.Remove(fmt.Sprintf("writer-%d-%d", w, i-10))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				results, err := idx.Search([]float32{1, 1, 1, 1}, 5)
				assert.NoError(t, err)
				assert.LessOrEqual(t, len(results), 5)
			}
		}()
	}
	wg.Wait()
}

// ============================================================================
// Stats / Clear
// ============================================================================

func TestFlatStats(t *testing.T) {
	idx := NewFlat(testDims)
	require.NoError(t, idx.Add("a", []float32{1, 0, 0, 0}))
	require.NoError(t, idx.Add("b", []float32{0, 1, 0, 0}))

	stats := idx.Stats()
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 2, stats.UniqueIDs)
	assert.Equal(t, testDims, stats.Dimension)
	assert.Equal(t, "flat", stats.IndexType)
	assert.Equal(t, int64(2*testDims*4), stats.ApproxBytes)

	idx.Clear()
	assert.Equal(t, 0, idx.Stats().Count)
}

func TestNewBackendSelection(t *testing.T) {
	flat, err := New("", testDims)
	require.NoError(t, err)
	assert.Equal(t, "flat", flat.Stats().IndexType)

	hnsw, err := New("hnsw", testDims)
	require.NoError(t, err)
	assert.Equal(t, "hnsw", hnsw.Stats().IndexType)

	_, err = New("annoy", testDims)
	assert.Error(t, err)
}
