package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gibsey/memory-rag/internal/embed"
	ragerr "github.com/gibsey/memory-rag/internal/errors"
	"github.com/gibsey/memory-rag/internal/extract"
	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/metrics"
	"github.com/gibsey/memory-rag/internal/rerank"
	"github.com/gibsey/memory-rag/pkg/version"
)

// retrieveRequest is the POST /retrieve body. Both "query" and the
// short "q" are accepted.
type retrieveRequest struct {
	Query string `json:"query"`
	Q     string `json:"q"`
	K     int    `json:"k"`
}

// retrieveResult is one hit in the /retrieve response. Score is the
// final ranking score: cosine similarity, or the cross-encoder score
// when reranking is active.
type retrieveResult struct {
	PageID    string  `json:"page_id"`
	Quote     string  `json:"quote"`
	Score     float64 `json:"score"`
	WordCount int     `json:"word_count"`
}

// refreshRequest is the body of /refresh and /remove, and one element
// of the /bulk-refresh array.
type refreshRequest struct {
	PageID string    `json:"page_id"`
	Vector []float32 `json:"vector"`
}

// bulkFailure reports one rejected bulk item.
type bulkFailure struct {
	PageID string `json:"page_id"`
	Error  string `json:"error"`
}

// parseRetrieve reads the query and k from the URL query string on GET
// and from the JSON body on POST.
func parseRetrieve(r *http.Request) (string, int, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("q")
		if q == "" {
			q = r.URL.Query().Get("query")
		}
		k := 0
		if raw := r.URL.Query().Get("k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return "", 0, ragerr.New(ragerr.ErrCodeInvalidRequest, "k must be an integer", err)
			}
			k = n
		}
		return strings.TrimSpace(q), k, nil
	}

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", 0, ragerr.New(ragerr.ErrCodeInvalidRequest, "invalid JSON body", err)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = strings.TrimSpace(req.Q)
	}
	return query, req.K, nil
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	query, k, err := parseRetrieve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ragerr.GetCode(err), err.Error())
		return
	}
	if len([]rune(query)) < MinQueryLength {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidQuery,
			"query must be at least 2 characters")
		return
	}

	if k <= 0 {
		k = DefaultTopK
	}
	if k > MaxTopK {
		k = MaxTopK
	}

	embedStart := time.Now()
	qvec, err := s.embedder.Embed(r.Context(), query)
	metrics.EmbedDuration.Observe(time.Since(embedStart).Seconds())
	if err != nil {
		if ragerr.GetCode(err) == ragerr.ErrCodeCancelled {
			writeError(w, http.StatusServiceUnavailable, ragerr.ErrCodeCancelled, "query cancelled")
			return
		}
		slog.Error("query_embedding_failed",
			slog.String("query", query),
			slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, ragerr.GetCode(err),
			"embedding service unavailable")
		return
	}

	// Over-fetch for the cross-encoder so it has something to reorder.
	fetchK := k
	if s.reranker.Name() != "passthrough" {
		fetchK = k * 3
		if fetchK > 30 {
			fetchK = 30
		}
	}

	hits, err := s.index.Search(qvec, fetchK)
	if err != nil {
		slog.Error("index_search_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, ragerr.GetCode(err), "search failed")
		return
	}

	candidates, fetchErr := s.buildCandidates(r, query, hits)
	if len(candidates) == 0 && fetchErr != nil {
		slog.Error("body_fetch_failed", slog.String("error", fetchErr.Error()))
		writeError(w, http.StatusBadGateway, ragerr.GetCode(fetchErr), "upstream store unavailable")
		return
	}

	reranked, err := s.reranker.Rerank(r.Context(), query, toRerank(candidates), k)
	if err != nil {
		// Rerankers degrade internally; an error here is unexpected but
		// still not worth failing the query over.
		slog.Warn("rerank_failed_using_similarity_order", slog.String("error", err.Error()))
		reranked, _ = rerank.NewPassthrough().Rerank(r.Context(), query, toRerank(candidates), k)
	}

	results := resolveResults(candidates, reranked)

	elapsed := time.Since(start)
	metrics.RetrieveDuration.Observe(elapsed.Seconds())
	slog.Info("retrieve",
		slog.String("query", query),
		slog.Int("k", k),
		slog.Int("results", len(results)),
		slog.Duration("elapsed", elapsed))

	writeJSON(w, http.StatusOK, results)
}

// candidate pairs an index hit with its extracted passage.
type candidate struct {
	pageID     string
	similarity float32
	passage    extract.Passage
}

// buildCandidates fetches page bodies in parallel and extracts the
// most relevant passage from each. Pages deleted since the index was
// built come back 404 and are dropped silently; that window between a
// delete and the next refresh is expected.
func (s *Server) buildCandidates(r *http.Request, query string, hits []index.Result) ([]candidate, error) {
	out := make([]candidate, len(hits))
	found := make([]bool, len(hits))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(8)

	var errMu sync.Mutex
	var firstErr error
	for i, hit := range hits {
		g.Go(func() error {
			body, err := s.store.GetPageBody(ctx, hit.PageID)
			if err != nil {
				if ragerr.IsNotFound(err) {
					slog.Debug("dropping stale index entry", slog.String("page_id", hit.PageID))
					return nil
				}
				slog.Warn("page_body_fetch_failed",
					slog.String("page_id", hit.PageID),
					slog.String("error", err.Error()))
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return nil
			}
			out[i] = candidate{
				pageID:     hit.PageID,
				similarity: hit.Score,
				passage:    extract.Relevant(body, query, maxPassageWords),
			}
			found[i] = true
			return nil
		})
	}
	_ = g.Wait()

	survivors := make([]candidate, 0, len(hits))
	for i := range out {
		if found[i] {
			survivors = append(survivors, out[i])
		}
	}
	return survivors, firstErr
}

// toRerank converts candidates into the rerank stage's shape. The
// similarity is the score the passthrough sorts by, so without a
// cross-encoder the vector ranking stands.
func toRerank(cands []candidate) []rerank.Candidate {
	out := make([]rerank.Candidate, len(cands))
	for i, c := range cands {
		out[i] = rerank.Candidate{
			PageID: c.pageID,
			Text:   c.passage.Quote,
			Score:  float64(c.similarity),
		}
	}
	return out
}

// resolveResults joins the reranked order back to the passage metadata.
func resolveResults(cands []candidate, ranked []rerank.Candidate) []retrieveResult {
	byID := make(map[string]candidate, len(cands))
	for _, c := range cands {
		byID[c.pageID] = c
	}

	results := make([]retrieveResult, 0, len(ranked))
	for _, rc := range ranked {
		c, ok := byID[rc.PageID]
		if !ok {
			continue
		}
		results = append(results, retrieveResult{
			PageID:    rc.PageID,
			Quote:     c.passage.Quote,
			Score:     rc.Score,
			WordCount: c.passage.WordCount,
		})
	}
	return results
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.PageID == "" {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "page_id is required")
		return
	}
	if len(req.Vector) == 0 {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "vector is required")
		return
	}

	if err := s.index.Add(req.PageID, req.Vector); err != nil {
		status, code := indexErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	s.touch()
	slog.Debug("index_refreshed", slog.String("page_id", req.PageID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "ok",
		"page_id": req.PageID,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.PageID == "" {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "page_id is required")
		return
	}

	// Removal is idempotent: dropping an absent id still succeeds, the
	// removed flag just reports whether anything was there.
	removed := s.index.Remove(req.PageID)
	s.touch()
	slog.Debug("index_entry_removed",
		slog.String("page_id", req.PageID),
		slog.Bool("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"page_id": req.PageID,
		"removed": removed,
	})
}

// decodeBulkItems accepts the bulk payload either as a bare JSON array
// of items (the wire format the bootstrap tooling posts) or wrapped as
// {"items": [...]}.
func decodeBulkItems(r *http.Request) ([]refreshRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var items []refreshRequest
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var wrapped struct {
		Items []refreshRequest `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Items, nil
}

func (s *Server) handleBulkRefresh(w http.ResponseWriter, r *http.Request) {
	items, err := decodeBulkItems(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, ragerr.ErrCodeInvalidRequest, "no items to refresh")
		return
	}

	accepted := 0
	var failed []bulkFailure
	for _, item := range items {
		if item.PageID == "" {
			failed = append(failed, bulkFailure{Error: "page_id is required"})
			continue
		}
		if err := s.index.Add(item.PageID, item.Vector); err != nil {
			failed = append(failed, bulkFailure{PageID: item.PageID, Error: err.Error()})
			continue
		}
		accepted++
	}

	if accepted > 0 {
		s.touch()
	}
	slog.Info("bulk_refresh",
		slog.Int("accepted", accepted),
		slog.Int("failed", len(failed)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "ok",
		"accepted": accepted,
		"failed":   failed,
	})
}

// lastUpdatedStamp reports the most recent index mutation; before any
// mutation it falls back to process start, matching how the stamp has
// always behaved.
func (s *Server) lastUpdatedStamp() string {
	s.mu.RLock()
	last := s.lastUpdated
	s.mu.RUnlock()
	if last.IsZero() {
		last = s.startTime
	}
	return last.UTC().Format(time.RFC3339)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	size := s.index.Stats().Count

	status := "healthy"
	httpStatus := http.StatusOK
	if size == 0 {
		// Serving with an empty index means every query returns
		// nothing; report degraded so orchestration keeps the pod out
		// of rotation until a bootstrap lands.
		status = "degraded"
		httpStatus = http.StatusMultiStatus
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":       status,
		"index_size":   size,
		"uptime":       time.Since(s.startTime).Seconds(),
		"last_updated": s.lastUpdatedStamp(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":       version.ServiceName,
		"version":       version.Version,
		"api_version":   version.APIVersion,
		"index_vectors": s.index.Stats().Count,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.index.Stats()

	s.mu.RLock()
	bootstrapping := s.bootstrapping
	s.mu.RUnlock()

	body := map[string]any{
		"total_vectors":      stats.Count,
		"dimension":          stats.Dimension,
		"index_type":         stats.IndexType,
		"memory_usage_bytes": stats.ApproxBytes,
		"unique_page_ids":    stats.UniqueIDs,
		"last_updated":       s.lastUpdatedStamp(),
		"uptime_seconds":     time.Since(s.startTime).Seconds(),
		"bootstrapping":      bootstrapping,
	}
	if cached, ok := s.embedder.(*embed.CachedEmbedder); ok {
		body["embed_cache_entries"] = cached.Len()
	}

	writeJSON(w, http.StatusOK, body)
}

// indexErrorStatus maps index mutation errors onto HTTP statuses:
// wrong width is a malformed request, a non-finite vector is
// well-formed but unprocessable.
func indexErrorStatus(err error) (int, string) {
	switch ragerr.GetCode(err) {
	case ragerr.ErrCodeDimensionMismatch:
		return http.StatusBadRequest, ragerr.ErrCodeDimensionMismatch
	case ragerr.ErrCodeNonFiniteVector:
		return http.StatusUnprocessableEntity, ragerr.ErrCodeNonFiniteVector
	default:
		return http.StatusInternalServerError, ragerr.GetCode(err)
	}
}
