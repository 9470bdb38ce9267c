// Package rerank optionally reorders retrieval candidates with a
// cross-encoder model. The stage is best-effort end to end: if the
// model service is unavailable at startup or misbehaves per request,
// retrieval continues with the original vector-similarity order.
package rerank

import (
	"context"
	"sort"
)

// Candidate is one retrieval hit entering the rerank stage.
type Candidate struct {
	PageID string
	Text   string
	Score  float64
}

// Reranker reorders candidates by relevance to a query.
type Reranker interface {
	// Rerank returns at most topK candidates in descending relevance
	// order. Implementations must not mutate the input slice.
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error)

	// Name identifies the active strategy for /health and /stats.
	Name() string
}

// Passthrough keeps the incoming similarity order. It is the fallback
// when reranking is disabled or the cross-encoder cannot be reached.
type Passthrough struct{}

var _ Reranker = (*Passthrough)(nil)

// NewPassthrough creates a no-op reranker.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

// Rerank sorts by the existing score and truncates to topK.
func (p *Passthrough) Rerank(_ context.Context, _ string, candidates []Candidate, topK int) ([]Candidate, error) {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Name returns the strategy name.
func (p *Passthrough) Name() string {
	return "passthrough"
}
