package cmd

import (
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gibsey/memory-rag/internal/upstream"
	"github.com/gibsey/memory-rag/internal/worker"
	"github.com/gibsey/memory-rag/pkg/version"
)

var (
	consumeTopic         string
	consumeDryRun        bool
	consumeRefresh       bool
	consumeHandleDeletes bool
	consumeStatsInterval int
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the CDC ingest worker",
	Long: `Run the CDC ingest worker.

The worker consumes page change events, embeds changed bodies, writes
vectors to the page_vectors table, and notifies the retrieval service.
Offsets are committed only after the vector write succeeds, so a crash
mid-event replays it rather than losing it.`,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().StringVar(&consumeTopic, "topic", "", "CDC topic (overrides config)")
	consumeCmd.Flags().BoolVar(&consumeDryRun, "dry-run", false, "log events without writing vectors")
	consumeCmd.Flags().BoolVar(&consumeRefresh, "refresh", true, "notify the retrieval service after each stored vector")
	consumeCmd.Flags().BoolVar(&consumeHandleDeletes, "handle-deletes", false, "remove vectors on delete events")
	consumeCmd.Flags().IntVar(&consumeStatsInterval, "stats-interval", 0, "seconds between stats log lines")
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if consumeTopic != "" {
		cfg.CDC.Topic = consumeTopic
	}
	if consumeHandleDeletes {
		cfg.CDC.HandleDeletes = true
	}
	if consumeStatsInterval > 0 {
		cfg.CDC.StatsInterval = consumeStatsInterval
	}

	slog.Info("starting",
		slog.String("service", version.ServiceName+"-consumer"),
		slog.String("version", version.Version),
		slog.String("topic", cfg.CDC.Topic),
		slog.Bool("dry_run", consumeDryRun))

	embedder := newEmbedder(cfg)
	defer func() { _ = embedder.Close() }()

	store := upstream.NewClient(upstreamConfig(cfg))
	notifier := upstream.NewNotifier(cfg.CDC.RetrievalURL)

	w := worker.New(worker.Config{
		Brokers:       strings.Split(cfg.CDC.Broker, ","),
		Topic:         cfg.CDC.Topic,
		GroupID:       cfg.CDC.GroupID,
		DryRun:        consumeDryRun,
		Notify:        consumeRefresh,
		HandleDeletes: cfg.CDC.HandleDeletes,
		StatsInterval: time.Duration(cfg.CDC.StatsInterval) * time.Second,
	}, embedder, store, notifier)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return w.Run(ctx)
}
