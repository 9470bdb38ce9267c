// Package server exposes the retrieval service over HTTP: query-time
// retrieval, index maintenance (refresh, remove, bulk refresh,
// bootstrap), and the health, version, stats and metrics surfaces.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gibsey/memory-rag/internal/embed"
	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/metrics"
	"github.com/gibsey/memory-rag/internal/rerank"
	"github.com/gibsey/memory-rag/internal/upstream"
)

const (
	// DefaultTopK is used when a retrieve request omits k.
	DefaultTopK = 4

	// MaxTopK caps k; anything larger is clamped, not rejected.
	MaxTopK = 10

	// MinQueryLength rejects queries too short to mean anything.
	MinQueryLength = 2

	// maxPassageWords caps the quote returned per result.
	maxPassageWords = 40
)

// PageStore is the slice of the upstream client the server reads from.
type PageStore interface {
	GetPageBody(ctx context.Context, pageID string) (string, error)
	ScanPageVectors(ctx context.Context, fn func(row upstream.VectorRow) error) error
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr     string
	RequestTimeout time.Duration
}

// Server wires the retrieval pipeline behind the HTTP API.
type Server struct {
	cfg      Config
	index    index.Index
	embedder embed.Embedder
	store    PageStore
	reranker rerank.Reranker

	mu            sync.RWMutex
	lastUpdated   time.Time
	bootstrapping bool

	startTime time.Time
}

// New creates a server around the given pipeline components.
func New(cfg Config, idx index.Index, embedder embed.Embedder, store PageStore, reranker rerank.Reranker) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8001"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if reranker == nil {
		reranker = rerank.NewPassthrough()
	}
	return &Server{
		cfg:       cfg,
		index:     idx,
		embedder:  embedder,
		store:     store,
		reranker:  reranker,
		startTime: time.Now(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/stats", s.handleStats)
	r.Get("/retrieve", s.handleRetrieve)
	r.Post("/retrieve", s.handleRetrieve)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/remove", s.handleRemove)
	r.Post("/bulk-refresh", s.handleBulkRefresh)
	r.Post("/bootstrap", s.handleBootstrap)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves HTTP until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http_server_listening", slog.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		slog.Info("http_server_stopped")
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// observe records request counts per path and status code.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		metrics.HTTPRequests.WithLabelValues(r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		slog.Debug("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// touch records an index mutation for /stats and /health.
func (s *Server) touch() {
	s.mu.Lock()
	s.lastUpdated = time.Now()
	s.mu.Unlock()
	metrics.IndexVectors.Set(float64(s.index.Stats().Count))
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write_response_failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
