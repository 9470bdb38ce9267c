package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gibsey/memory-rag/internal/upstream"
)

var (
	buildLimit    int
	buildPageSize int
	buildDryRun   bool
)

var buildIndexCmd = &cobra.Command{
	Use:   "build-index",
	Short: "Embed every page and write the page_vectors table",
	Long: `Embed every page and write the page_vectors table.

This is the offline backfill: it scans the pages table, embeds each
body, and upserts the vector row. Safe to rerun; upserts overwrite.`,
	RunE: runBuildIndex,
}

func init() {
	buildIndexCmd.Flags().IntVar(&buildLimit, "limit", 0, "stop after N pages (0 = all)")
	buildIndexCmd.Flags().IntVar(&buildPageSize, "page-size", 0, "scan page size (overrides config)")
	buildIndexCmd.Flags().BoolVar(&buildDryRun, "dry-run", false, "embed without writing vectors")
	rootCmd.AddCommand(buildIndexCmd)
}

func runBuildIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if buildPageSize > 0 {
		cfg.Upstream.ScanPageSize = buildPageSize
	}

	embedder := newEmbedder(cfg)
	defer func() { _ = embedder.Close() }()

	store := upstream.NewClient(upstreamConfig(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	processed := 0
	skipped := 0
	failed := 0

	err = store.ScanPages(ctx, func(row upstream.PageRow) error {
		if buildLimit > 0 && processed >= buildLimit {
			return context.Canceled
		}
		if strings.TrimSpace(row.Body) == "" {
			skipped++
			return nil
		}

		vector, err := embedder.Embed(ctx, row.Body)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failed++
			slog.Warn("embed_failed_skipping_page",
				slog.String("page_id", row.PageID),
				slog.String("error", err.Error()))
			return nil
		}

		if !buildDryRun {
			if err := store.PutVector(ctx, row.PageID, vector); err != nil {
				if ctx.Err() != nil {
					return err
				}
				failed++
				slog.Warn("vector_write_failed",
					slog.String("page_id", row.PageID),
					slog.String("error", err.Error()))
				return nil
			}
		}

		processed++
		if processed%50 == 0 {
			slog.Info("build_index_progress",
				slog.Int("processed", processed),
				slog.Int("skipped", skipped),
				slog.Int("failed", failed),
				slog.Duration("elapsed", time.Since(start)))
		}
		return nil
	})
	if err != nil && err != context.Canceled && ctx.Err() == nil {
		return err
	}

	slog.Info("build_index_complete",
		slog.Int("processed", processed),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
		slog.Bool("dry_run", buildDryRun),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
