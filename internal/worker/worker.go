package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gibsey/memory-rag/internal/embed"
	ragerr "github.com/gibsey/memory-rag/internal/errors"
	"github.com/gibsey/memory-rag/internal/metrics"
)

const (
	// reconnectDelay is the pause before rebuilding the Kafka reader
	// after a fetch failure.
	reconnectDelay = 5 * time.Second

	// notifyTimeout bounds the fire-and-forget refresh notification.
	notifyTimeout = 10 * time.Second
)

// VectorStore is the slice of the upstream client the worker writes to.
type VectorStore interface {
	PutVector(ctx context.Context, pageID string, vector []float32) error
	DeleteVector(ctx context.Context, pageID string) error
}

// RefreshNotifier pushes index updates to the retrieval service.
type RefreshNotifier interface {
	NotifyRefresh(ctx context.Context, pageID string, vector []float32) error
	NotifyRemove(ctx context.Context, pageID string) error
}

// Config configures the ingest worker.
type Config struct {
	// Brokers is the Kafka bootstrap list.
	Brokers []string

	// Topic is the CDC topic for the pages table.
	Topic string

	// GroupID is the consumer group.
	GroupID string

	// DryRun logs what would happen without writing vectors or
	// committing any state change upstream. Offsets are still committed
	// so a dry run can walk the whole topic.
	DryRun bool

	// Notify controls whether the retrieval service is told about each
	// stored vector. Off is useful for backfills, where one bootstrap
	// at the end beats thousands of refresh calls.
	Notify bool

	// HandleDeletes enables processing of delete events. Off by
	// default: the corpus is append-mostly and an unexpected tombstone
	// flood should not empty the vectors table.
	HandleDeletes bool

	// StatsInterval is how often a progress summary is logged.
	StatsInterval time.Duration
}

// Stats is a snapshot of worker progress.
type Stats struct {
	Processed     int64   `json:"processed"`
	Skipped       int64   `json:"skipped"`
	Malformed     int64   `json:"malformed"`
	Errors        int64   `json:"errors"`
	AvgEmbedMs    float64 `json:"avg_embed_ms"`
	EventsPerSec  float64 `json:"events_per_sec"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Worker is the CDC ingest loop.
type Worker struct {
	cfg      Config
	embedder embed.Embedder
	store    VectorStore
	notifier RefreshNotifier

	mu         sync.Mutex
	processed  int64
	skipped    int64
	malformed  int64
	errors     int64
	embedTotal time.Duration
	embedCount int64
	startTime  time.Time
}

// New creates an ingest worker.
func New(cfg Config, embedder embed.Embedder, store VectorStore, notifier RefreshNotifier) *Worker {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}
	return &Worker{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		notifier: notifier,
	}
}

// Run consumes the topic until ctx is cancelled. Fetch failures tear
// down the reader and rebuild it after a short delay; group rebalances
// are handled by the client.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.startTime = time.Now()
	w.mu.Unlock()

	slog.Info("ingest_worker_starting",
		slog.String("brokers", strings.Join(w.cfg.Brokers, ",")),
		slog.String("topic", w.cfg.Topic),
		slog.String("group_id", w.cfg.GroupID),
		slog.Bool("dry_run", w.cfg.DryRun),
		slog.Bool("handle_deletes", w.cfg.HandleDeletes))

	statsDone := make(chan struct{})
	go w.statsLoop(ctx, statsDone)
	defer func() { <-statsDone }()

	for {
		if err := w.consume(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("ingest_worker_stopped")
				return nil
			}
			slog.Error("consumer_failed_reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", reconnectDelay))
			select {
			case <-ctx.Done():
				slog.Info("ingest_worker_stopped")
				return nil
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// consume runs one reader session until an unrecoverable fetch error.
func (w *Worker) consume(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     w.cfg.Brokers,
		GroupID:     w.cfg.GroupID,
		Topic:       w.cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10 << 20,
	})
	defer func() { _ = reader.Close() }()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		commit, err := w.process(ctx, msg.Value)
		if err != nil {
			// No commit, and the session ends here: the reader would
			// otherwise keep advancing past the uncommitted message in
			// memory. Rejoining resumes from the last committed offset,
			// so the failed event is redelivered.
			w.countError()
			metrics.IngestEvents.WithLabelValues("error").Inc()
			slog.Error("event_processing_failed",
				slog.Int64("offset", msg.Offset),
				slog.Int("partition", msg.Partition),
				slog.String("error", err.Error()))
			return err
		}

		if commit {
			if err := reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// process applies one event. The bool result says whether the offset
// may be committed.
func (w *Worker) process(ctx context.Context, value []byte) (bool, error) {
	if len(value) == 0 {
		// Tombstone from log compaction; nothing to do.
		w.countSkipped()
		metrics.IngestEvents.WithLabelValues("skipped").Inc()
		return true, nil
	}

	event, err := DecodeEvent(value)
	if err != nil {
		// Malformed events are logged and committed: redelivery cannot
		// fix a bad payload and would wedge the partition.
		w.countMalformed()
		metrics.IngestEvents.WithLabelValues("malformed").Inc()
		slog.Warn("skipping malformed event", slog.String("error", err.Error()))
		return true, nil
	}

	switch event.Op {
	case OpDelete:
		return w.processDelete(ctx, event)
	default:
		return w.processUpsert(ctx, event)
	}
}

func (w *Worker) processUpsert(ctx context.Context, event Event) (bool, error) {
	if strings.TrimSpace(event.Body) == "" {
		w.countSkipped()
		metrics.IngestEvents.WithLabelValues("skipped").Inc()
		slog.Debug("skipping page with empty body", slog.String("page_id", event.PageID))
		return true, nil
	}

	embedStart := time.Now()
	vector, err := w.embedder.Embed(ctx, event.Body)
	if err != nil {
		return false, ragerr.New(ragerr.ErrCodeEmbeddingFailed,
			"embed page "+event.PageID, err)
	}
	elapsed := time.Since(embedStart)
	w.recordEmbed(elapsed)
	metrics.EmbedDuration.Observe(elapsed.Seconds())

	if w.cfg.DryRun {
		slog.Info("dry_run_would_upsert",
			slog.String("page_id", event.PageID),
			slog.String("op", event.Op),
			slog.Int("body_len", len(event.Body)),
			slog.Duration("embed_elapsed", elapsed))
		w.countProcessed()
		metrics.IngestEvents.WithLabelValues("processed").Inc()
		return true, nil
	}

	if err := w.store.PutVector(ctx, event.PageID, vector); err != nil {
		return false, err
	}

	if w.cfg.Notify {
		// Best-effort: the vector is durable, so a missed notification
		// only delays index freshness until the next bootstrap.
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := w.notifier.NotifyRefresh(nctx, event.PageID, vector); err != nil {
				slog.Warn("refresh_notify_failed",
					slog.String("page_id", event.PageID),
					slog.String("error", err.Error()))
			}
		}()
	}

	w.countProcessed()
	metrics.IngestEvents.WithLabelValues("processed").Inc()
	slog.Info("page_vector_upserted",
		slog.String("page_id", event.PageID),
		slog.String("op", event.Op),
		slog.Duration("embed_elapsed", elapsed))
	return true, nil
}

func (w *Worker) processDelete(ctx context.Context, event Event) (bool, error) {
	if !w.cfg.HandleDeletes {
		w.countSkipped()
		metrics.IngestEvents.WithLabelValues("skipped").Inc()
		slog.Debug("ignoring delete event", slog.String("page_id", event.PageID))
		return true, nil
	}

	if w.cfg.DryRun {
		slog.Info("dry_run_would_delete", slog.String("page_id", event.PageID))
		w.countProcessed()
		metrics.IngestEvents.WithLabelValues("processed").Inc()
		return true, nil
	}

	if err := w.store.DeleteVector(ctx, event.PageID); err != nil {
		if !ragerr.IsNotFound(err) {
			return false, err
		}
	}

	if w.cfg.Notify {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := w.notifier.NotifyRemove(nctx, event.PageID); err != nil {
				slog.Warn("remove_notify_failed",
					slog.String("page_id", event.PageID),
					slog.String("error", err.Error()))
			}
		}()
	}

	w.countProcessed()
	metrics.IngestEvents.WithLabelValues("processed").Inc()
	slog.Info("page_vector_deleted", slog.String("page_id", event.PageID))
	return true, nil
}

// Stats returns a snapshot of progress counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Stats{
		Processed: w.processed,
		Skipped:   w.skipped,
		Malformed: w.malformed,
		Errors:    w.errors,
	}
	if w.embedCount > 0 {
		s.AvgEmbedMs = float64(w.embedTotal.Milliseconds()) / float64(w.embedCount)
	}
	if !w.startTime.IsZero() {
		uptime := time.Since(w.startTime).Seconds()
		s.UptimeSeconds = uptime
		if uptime > 0 {
			s.EventsPerSec = float64(w.processed) / uptime
		}
	}
	return s
}

// statsLoop logs a progress summary at the configured interval.
func (w *Worker) statsLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s := w.Stats()
			slog.Info("ingest_final_stats",
				slog.Int64("processed", s.Processed),
				slog.Int64("skipped", s.Skipped),
				slog.Int64("malformed", s.Malformed),
				slog.Int64("errors", s.Errors))
			return
		case <-ticker.C:
			s := w.Stats()
			slog.Info("ingest_stats",
				slog.Int64("processed", s.Processed),
				slog.Int64("skipped", s.Skipped),
				slog.Int64("malformed", s.Malformed),
				slog.Int64("errors", s.Errors),
				slog.Float64("avg_embed_ms", s.AvgEmbedMs),
				slog.Float64("events_per_sec", s.EventsPerSec))
		}
	}
}

func (w *Worker) countProcessed() { w.mu.Lock(); w.processed++; w.mu.Unlock() }
func (w *Worker) countSkipped()   { w.mu.Lock(); w.skipped++; w.mu.Unlock() }
func (w *Worker) countMalformed() { w.mu.Lock(); w.malformed++; w.mu.Unlock() }
func (w *Worker) countError()     { w.mu.Lock(); w.errors++; w.mu.Unlock() }

func (w *Worker) recordEmbed(d time.Duration) {
	w.mu.Lock()
	w.embedTotal += d
	w.embedCount++
	w.mu.Unlock()
}
