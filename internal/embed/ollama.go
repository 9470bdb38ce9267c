package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
)

// OllamaConfig configures the Ollama embedding client.
type OllamaConfig struct {
	// URL is the full embeddings endpoint, e.g.
	// http://ollama:11434/api/embeddings.
	URL string

	// Model is the embedding model name.
	Model string

	// Timeout is the per-attempt budget.
	Timeout time.Duration

	// MaxAttempts is the total number of tries per call, including the
	// first.
	MaxAttempts int

	// Dimensions is the expected vector width. A response of any other
	// width is an embedding error.
	Dimensions int
}

// OllamaEmbedder generates embeddings through Ollama's HTTP API using
// the single-prompt wire format: {model, prompt} -> {embedding}.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
}

// Verify interface implementation at compile time.
var _ Embedder = (*OllamaEmbedder)(nil)

// ollamaRequest is the embeddings request body.
type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaResponse is the embeddings response body.
type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedding client.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = Dimensions
	}

	// No client-level timeout: per-request contexts carry the deadline,
	// so a caller's shorter budget is honored.
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}

	return &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

// Embed generates the embedding for a single text, retrying transient
// failures with exponential backoff. The returned vector is
// L2-normalized.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ragerr.EmbeddingError("cannot embed empty text", nil)
	}

	var vec []float32
	retryCfg := ragerr.RetryConfig{
		MaxAttempts:  e.config.MaxAttempts,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	start := time.Now()
	err := ragerr.Retry(ctx, retryCfg, func() error {
		var attemptErr error
		vec, attemptErr = e.doEmbed(ctx, text)
		if attemptErr != nil {
			slog.Debug("embedding_attempt_failed",
				slog.String("model", e.config.Model),
				slog.Int("text_len", len(text)),
				slog.String("error", attemptErr.Error()))
		}
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("embedding_generated",
		slog.String("model", e.config.Model),
		slog.Int("text_len", len(text)),
		slog.Duration("elapsed", time.Since(start)))

	return vec, nil
}

// doEmbed performs a single embedding request.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, ragerr.InternalError("marshal embedding request", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, e.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, ragerr.InternalError("create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ragerr.New(ragerr.ErrCodeCancelled, "embedding cancelled", ctx.Err())
		}
		return nil, ragerr.EmbeddingError("embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, ragerr.EmbeddingError(
			fmt.Sprintf("embedding failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ragerr.EmbeddingError("decode embedding response", err)
	}

	if len(result.Embedding) != e.config.Dimensions {
		// A wrong-width vector means the wrong model is loaded; no
		// amount of retrying fixes that here, but the caller decides.
		return nil, ragerr.EmbeddingError(
			fmt.Sprintf("expected %d dimensions, got %d", e.config.Dimensions, len(result.Embedding)), nil)
	}

	vec := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vec[i] = float32(v)
	}
	return normalizeVector(vec), nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.transport.CloseIdleConnections()
	return nil
}
