package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/metrics"
	"github.com/gibsey/memory-rag/internal/upstream"
)

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.bootstrapping {
		s.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_running"})
		return
	}
	s.bootstrapping = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.bootstrapping = false
			s.mu.Unlock()
		}()
		if err := s.Bootstrap(context.Background()); err != nil {
			slog.Error("bootstrap_failed", slog.String("error", err.Error()))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// Bootstrap replaces the index contents with every row of the
// page_vectors table. The swap is atomic: a scan or load failure
// leaves whatever the index held before untouched, so queries keep
// working off the stale copy.
func (s *Server) Bootstrap(ctx context.Context) error {
	start := time.Now()
	slog.Info("bootstrap_starting")

	dims := s.index.Stats().Dimension
	skipped := 0
	vectors := make(map[string][]float32)
	err := s.store.ScanPageVectors(ctx, func(row upstream.VectorRow) error {
		// One corrupt row must not sink the whole load; skip it and
		// keep the rest.
		if err := index.Validate(dims, row.Vector); err != nil {
			skipped++
			slog.Warn("skipping_invalid_vector_row",
				slog.String("page_id", row.PageID),
				slog.String("error", err.Error()))
			return nil
		}
		vectors[row.PageID] = row.Vector
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.index.BulkLoad(vectors); err != nil {
		return err
	}

	s.touch()
	metrics.IndexVectors.Set(float64(s.index.Stats().Count))
	slog.Info("bootstrap_complete",
		slog.Int("vectors", len(vectors)),
		slog.Int("skipped", skipped),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
