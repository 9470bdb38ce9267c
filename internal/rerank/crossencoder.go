package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const (
	// DefaultTimeout bounds the whole rerank stage. Blowing the budget
	// falls back to the pre-rerank order rather than failing the query.
	DefaultTimeout = 2 * time.Second

	// DefaultBatchSize is how many documents are scored per request.
	DefaultBatchSize = 8

	// DefaultModel is the cross-encoder checkpoint.
	DefaultModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"
)

// CrossEncoderConfig configures the cross-encoder client.
type CrossEncoderConfig struct {
	// URL is the scoring service root, e.g. http://reranker:8766.
	URL string

	// Model is the cross-encoder model name.
	Model string

	// Timeout is the total stage budget.
	Timeout time.Duration

	// BatchSize is the number of documents per scoring request.
	BatchSize int
}

// CrossEncoder scores (query, document) pairs through an external
// model service and reorders candidates by the returned scores.
type CrossEncoder struct {
	cfg    CrossEncoderConfig
	client *http.Client
}

var _ Reranker = (*CrossEncoder)(nil)

// rerankRequest is the scoring request body.
type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopK      int      `json:"top_k"`
}

// rerankResponse carries per-document scores keyed by input position.
type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// NewCrossEncoder creates a cross-encoder client and probes the
// service. On probe failure it returns an error; callers are expected
// to fall back to NewPassthrough rather than abort startup.
func NewCrossEncoder(cfg CrossEncoderConfig) (*CrossEncoder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	ce := &CrossEncoder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := ce.probe(ctx); err != nil {
		return nil, err
	}
	return ce, nil
}

// probe checks the service is reachable before the first query needs it.
func (ce *CrossEncoder) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ce.cfg.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := ce.client.Do(req)
	if err != nil {
		return fmt.Errorf("reranker unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reranker health returned status %d", resp.StatusCode)
	}
	return nil
}

// Rerank scores all candidates in batches and returns the topK highest.
// Any failure inside the stage budget returns the candidates in their
// original similarity order instead of an error.
func (ce *CrossEncoder) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, ce.cfg.Timeout)
	defer cancel()

	scores := make([]float64, len(candidates))
	for start := 0; start < len(candidates); start += ce.cfg.BatchSize {
		end := start + ce.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		if err := ce.scoreBatch(stageCtx, query, candidates[start:end], scores[start:end]); err != nil {
			slog.Warn("rerank_fallback",
				slog.String("error", err.Error()),
				slog.Int("candidates", len(candidates)))
			return fallbackOrder(candidates, topK), nil
		}
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// scoreBatch fills scores for one slice of candidates.
func (ce *CrossEncoder) scoreBatch(ctx context.Context, query string, batch []Candidate, scores []float64) error {
	docs := make([]string, len(batch))
	for i, c := range batch {
		docs[i] = c.Text
	}

	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Documents: docs,
		Model:     ce.cfg.Model,
		TopK:      len(docs),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ce.cfg.URL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ce.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("reranker returned status %d", resp.StatusCode)
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.Score
		}
	}
	return nil
}

// Name returns the strategy name.
func (ce *CrossEncoder) Name() string {
	return "cross-encoder"
}

// fallbackOrder preserves the incoming similarity order, truncated.
func fallbackOrder(candidates []Candidate, topK int) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// FromConfig builds the configured reranker, degrading to passthrough
// when the cross-encoder cannot be initialized.
func FromConfig(enabled bool, cfg CrossEncoderConfig) Reranker {
	if !enabled || cfg.URL == "" {
		return NewPassthrough()
	}
	ce, err := NewCrossEncoder(cfg)
	if err != nil {
		slog.Warn("reranker_unavailable_using_passthrough",
			slog.String("url", cfg.URL),
			slog.String("error", err.Error()))
		return NewPassthrough()
	}
	slog.Info("reranker_enabled",
		slog.String("url", cfg.URL),
		slog.String("model", cfg.Model))
	return ce
}
