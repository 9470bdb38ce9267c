package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/upstream"
)

const testDims = 3

// stubEmbedder maps known queries to fixed unit vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (s *stubEmbedder) Dimensions() int   { return testDims }
func (s *stubEmbedder) ModelName() string { return "stub-model" }
func (s *stubEmbedder) Close() error      { return nil }

// stubStore serves page bodies and scan rows from memory.
type stubStore struct {
	bodies  map[string]string
	rows    []upstream.VectorRow
	bodyErr error
	scanErr error
}

func (s *stubStore) GetPageBody(_ context.Context, pageID string) (string, error) {
	if s.bodyErr != nil {
		return "", s.bodyErr
	}
	body, ok := s.bodies[pageID]
	if !ok {
		return "", ragerr.NotFound("page " + pageID + " not found")
	}
	return body, nil
}

func (s *stubStore) ScanPageVectors(_ context.Context, fn func(row upstream.VectorRow) error) error {
	if s.scanErr != nil {
		return s.scanErr
	}
	for _, row := range s.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func newTestServer(t *testing.T, embedder *stubEmbedder, store *stubStore) (*Server, index.Index) {
	t.Helper()
	idx := index.NewFlat(testDims)
	if embedder == nil {
		embedder = &stubEmbedder{}
	}
	if store == nil {
		store = &stubStore{bodies: map[string]string{}}
	}
	srv := New(Config{}, idx, embedder, store, nil)
	return srv, idx
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// ============================================================================
// /health and /version
// ============================================================================

func TestHealthDegradedWhenIndexEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, float64(0), body["index_size"])
}

func TestHealthyWithVectors(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)
	require.NoError(t, idx.Add("p-1", []float32{1, 0, 0}))

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["index_size"])
	assert.Contains(t, body, "uptime")
	assert.NotEmpty(t, body["last_updated"])
}

func TestVersionEndpoint(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)
	require.NoError(t, idx.Add("p-1", []float32{1, 0, 0}))

	rec := doRequest(t, srv, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "memory-rag", body["service"])
	assert.NotEmpty(t, body["version"])
	assert.Equal(t, "v1", body["api_version"])
	assert.Equal(t, float64(1), body["index_vectors"])
}

// ============================================================================
// /retrieve
// ============================================================================

func TestRetrieveRejectsShortQuery(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	for _, q := range []string{"", "a", "  x  "} {
		rec := doRequest(t, srv, http.MethodPost, "/retrieve", map[string]any{"query": q})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "query %q", q)

		var body errorResponse
		decode(t, rec, &body)
		assert.Equal(t, ragerr.ErrCodeInvalidQuery, body.Code)
	}
}

func TestRetrieveGETRejectsShortQuery(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	for _, path := range []string{"/retrieve?q=a", "/retrieve", "/retrieve?q="} {
		rec := doRequest(t, srv, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "path %q", path)
	}
}

func TestRetrieveGETRejectsBadK(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodGet, "/retrieve?q=hello&k=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrieveGETQueryParams(t *testing.T) {
	store := &stubStore{bodies: map[string]string{
		"p-light": "The lighthouse keeper trimmed the wick. Gulls wheeled overhead.",
		"p-sea":   "The sea was calm that morning. Fishermen hauled their nets ashore.",
	}}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"lighthouse keeper": {1, 0, 0},
	}}
	srv, idx := newTestServer(t, embedder, store)
	require.NoError(t, idx.Add("p-light", []float32{0.95, 0.05, 0}))
	require.NoError(t, idx.Add("p-sea", []float32{0.1, 0.9, 0}))

	rec := doRequest(t, srv, http.MethodGet, "/retrieve?q=lighthouse+keeper&k=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []retrieveResult
	decode(t, rec, &results)
	require.Len(t, results, 2)
	assert.Equal(t, "p-light", results[0].PageID)
	assert.Contains(t, results[0].Quote, "lighthouse keeper")
}

func TestRetrieveRejectsBadJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/retrieve", bytes.NewBufferString("{{{"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	embedder := &stubEmbedder{fail: ragerr.EmbeddingError("ollama down", nil)}
	srv, _ := newTestServer(t, embedder, nil)

	rec := doRequest(t, srv, http.MethodPost, "/retrieve", map[string]any{"query": "lighthouse"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRetrieveHappyPath(t *testing.T) {
	store := &stubStore{bodies: map[string]string{
		"p-light": "The lighthouse keeper trimmed the wick. Gulls wheeled overhead.",
		"p-sea":   "The sea was calm that morning. Fishermen hauled their nets ashore.",
	}}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"lighthouse keeper": {1, 0, 0},
	}}
	srv, idx := newTestServer(t, embedder, store)
	require.NoError(t, idx.Add("p-light", []float32{0.95, 0.05, 0}))
	require.NoError(t, idx.Add("p-sea", []float32{0.1, 0.9, 0}))

	rec := doRequest(t, srv, http.MethodPost, "/retrieve",
		map[string]any{"query": "lighthouse keeper", "k": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	var results []retrieveResult
	decode(t, rec, &results)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, "p-light", top.PageID)
	assert.Contains(t, top.Quote, "lighthouse keeper")
	assert.Greater(t, top.Score, 0.0)
	assert.Greater(t, top.WordCount, 0)

	// Descending by score.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	// p-far's body contains the query words, but p-exact holds the
	// exact query vector. Vector similarity decides the order, not the
	// quote overlap.
	store := &stubStore{bodies: map[string]string{
		"p-exact": "Nothing in this body mentions the words being searched.",
		"p-far":   "The lighthouse keeper trimmed the wick at dusk.",
	}}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"lighthouse keeper": {1, 0, 0},
	}}
	srv, idx := newTestServer(t, embedder, store)
	require.NoError(t, idx.Add("p-exact", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("p-far", []float32{0.95, 0.3122, 0}))

	rec := doRequest(t, srv, http.MethodGet, "/retrieve?q=lighthouse+keeper&k=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []retrieveResult
	decode(t, rec, &results)
	require.Len(t, results, 2)
	assert.Equal(t, "p-exact", results[0].PageID)
	assert.GreaterOrEqual(t, results[0].Score, 0.999)
	assert.Equal(t, "p-far", results[1].PageID)
}

func TestRetrieveAcceptsShortQueryKey(t *testing.T) {
	store := &stubStore{bodies: map[string]string{"p-1": "Some page body here."}}
	srv, idx := newTestServer(t, nil, store)
	require.NoError(t, idx.Add("p-1", []float32{1, 0, 0}))

	rec := doRequest(t, srv, http.MethodPost, "/retrieve", map[string]any{"q": "page body"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetrieveDropsDeletedPages(t *testing.T) {
	// The index still references p-gone but the store no longer has it.
	store := &stubStore{bodies: map[string]string{"p-here": "Still present content."}}
	srv, idx := newTestServer(t, nil, store)
	require.NoError(t, idx.Add("p-gone", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("p-here", []float32{0.9, 0.1, 0}))

	rec := doRequest(t, srv, http.MethodPost, "/retrieve", map[string]any{"query": "present content"})
	require.Equal(t, http.StatusOK, rec.Code)

	var results []retrieveResult
	decode(t, rec, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "p-here", results[0].PageID)
}

func TestRetrieveUpstreamFailure(t *testing.T) {
	store := &stubStore{
		bodies:  map[string]string{},
		bodyErr: ragerr.UpstreamError("store unreachable", nil),
	}
	srv, idx := newTestServer(t, nil, store)
	require.NoError(t, idx.Add("p-1", []float32{1, 0, 0}))

	rec := doRequest(t, srv, http.MethodPost, "/retrieve", map[string]any{"query": "anything here"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/retrieve", map[string]any{"query": "anything here"})
	require.Equal(t, http.StatusOK, rec.Code)

	var results []retrieveResult
	decode(t, rec, &results)
	assert.Empty(t, results)
	// The wire shape is a bare list, even when it is empty.
	assert.Equal(t, "[]", string(bytes.TrimSpace(rec.Body.Bytes())))
}

func TestRetrieveClampsK(t *testing.T) {
	store := &stubStore{bodies: map[string]string{}}
	srv, idx := newTestServer(t, nil, store)
	for i := 0; i < 15; i++ {
		id := "p-" + string(rune('a'+i))
		store.bodies[id] = "Body for " + id + "."
		angle := float64(i) * 0.05
		require.NoError(t, idx.Add(id, []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0}))
	}

	rec := doRequest(t, srv, http.MethodGet, "/retrieve?q=body+for&k=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []retrieveResult
	decode(t, rec, &results)
	assert.LessOrEqual(t, len(results), MaxTopK)
}

// ============================================================================
// /refresh and /remove
// ============================================================================

func TestRefreshAddsVector(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/refresh",
		map[string]any{"page_id": "p-new", "vector": []float32{0, 1, 0}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "p-new", body["page_id"])
	assert.Equal(t, 1, idx.Stats().Count)
}

func TestRefreshValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	tests := []struct {
		name   string
		req    map[string]any
		status int
		code   string
	}{
		{
			name:   "missing page_id",
			req:    map[string]any{"vector": []float32{1, 0, 0}},
			status: http.StatusBadRequest,
			code:   ragerr.ErrCodeInvalidRequest,
		},
		{
			name:   "missing vector",
			req:    map[string]any{"page_id": "p-1"},
			status: http.StatusBadRequest,
			code:   ragerr.ErrCodeInvalidRequest,
		},
		{
			name:   "wrong dimension",
			req:    map[string]any{"page_id": "p-1", "vector": []float32{1, 0}},
			status: http.StatusBadRequest,
			code:   ragerr.ErrCodeDimensionMismatch,
		},
		{
			name:   "zero vector",
			req:    map[string]any{"page_id": "p-1", "vector": []float32{0, 0, 0}},
			status: http.StatusUnprocessableEntity,
			code:   ragerr.ErrCodeNonFiniteVector,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/refresh", tt.req)
			assert.Equal(t, tt.status, rec.Code)

			var body errorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)
	require.NoError(t, idx.Add("p-1", []float32{1, 0, 0}))

	rec := doRequest(t, srv, http.MethodPost, "/remove", map[string]any{"page_id": "p-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, idx.Stats().Count)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, true, body["removed"])

	// Removing an id that is not there still succeeds.
	rec = doRequest(t, srv, http.MethodPost, "/remove", map[string]any{"page_id": "p-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, false, body["removed"])
}

// ============================================================================
// /bulk-refresh
// ============================================================================

func TestBulkRefreshBareArray(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/bulk-refresh", []map[string]any{
		{"page_id": "p-1", "vector": []float32{1, 0, 0}},
		{"page_id": "p-2", "vector": []float32{0, 1, 0}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, idx.Stats().Count)
}

func TestBulkRefreshPartialSuccess(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/bulk-refresh", []map[string]any{
		{"page_id": "p-1", "vector": []float32{1, 0, 0}},
		{"page_id": "p-bad", "vector": []float32{1, 0}},
		{"page_id": "p-2", "vector": []float32{0, 1, 0}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Accepted int           `json:"accepted"`
		Failed   []bulkFailure `json:"failed"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Accepted)
	require.Len(t, body.Failed, 1)
	assert.Equal(t, "p-bad", body.Failed[0].PageID)
	assert.Equal(t, 2, idx.Stats().Count)
}

func TestBulkRefreshWrappedForm(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/bulk-refresh", map[string]any{
		"items": []map[string]any{
			{"page_id": "p-1", "vector": []float32{1, 0, 0}},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, idx.Stats().Count)
}

func TestBulkRefreshEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/bulk-refresh", []any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/bulk-refresh", map[string]any{"items": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// /bootstrap
// ============================================================================

func TestBootstrapLoadsFromStore(t *testing.T) {
	store := &stubStore{rows: []upstream.VectorRow{
		{PageID: "p-1", Vector: []float32{1, 0, 0}},
		{PageID: "p-2", Vector: []float32{0, 1, 0}},
	}}
	srv, idx := newTestServer(t, nil, store)

	rec := doRequest(t, srv, http.MethodPost, "/bootstrap", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return idx.Stats().Count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBootstrapSkipsInvalidRows(t *testing.T) {
	store := &stubStore{rows: []upstream.VectorRow{
		{PageID: "p-1", Vector: []float32{1, 0, 0}},
		{PageID: "p-short", Vector: []float32{1, 0}},
		{PageID: "p-zero", Vector: []float32{0, 0, 0}},
		{PageID: "p-2", Vector: []float32{0, 1, 0}},
	}}
	srv, idx := newTestServer(t, nil, store)

	require.NoError(t, srv.Bootstrap(context.Background()))
	assert.Equal(t, 2, idx.Stats().Count)
	assert.True(t, idx.Remove("p-1"))
	assert.True(t, idx.Remove("p-2"))
	assert.False(t, idx.Remove("p-short"))
}

func TestBootstrapFailureLeavesIndexIntact(t *testing.T) {
	store := &stubStore{scanErr: ragerr.UpstreamError("scan failed", nil)}
	srv, idx := newTestServer(t, nil, store)
	require.NoError(t, idx.Add("survivor", []float32{1, 0, 0}))

	err := srv.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, idx.Stats().Count)
}

func TestBootstrapReplacesPreviousContents(t *testing.T) {
	store := &stubStore{rows: []upstream.VectorRow{
		{PageID: "fresh", Vector: []float32{0, 0, 1}},
	}}
	srv, idx := newTestServer(t, nil, store)
	require.NoError(t, idx.Add("stale", []float32{1, 0, 0}))

	require.NoError(t, srv.Bootstrap(context.Background()))
	assert.Equal(t, 1, idx.Stats().Count)
	assert.False(t, idx.Remove("stale"))
}

// ============================================================================
// /stats
// ============================================================================

func TestStatsEndpoint(t *testing.T) {
	srv, idx := newTestServer(t, nil, nil)
	require.NoError(t, idx.Add("p-1", []float32{1, 0, 0}))

	// A refresh stamps last_updated.
	doRequest(t, srv, http.MethodPost, "/refresh",
		map[string]any{"page_id": "p-2", "vector": []float32{0, 1, 0}})

	rec := doRequest(t, srv, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, float64(2), body["total_vectors"])
	assert.Equal(t, float64(testDims), body["dimension"])
	assert.Equal(t, "flat", body["index_type"])
	assert.Equal(t, float64(2), body["unique_page_ids"])
	assert.Contains(t, body, "memory_usage_bytes")
	assert.Contains(t, body, "uptime_seconds")
	assert.NotEmpty(t, body["last_updated"])
	assert.Equal(t, false, body["bootstrapping"])
}
