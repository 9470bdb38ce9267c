package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gibsey/memory-rag/internal/config"
	"github.com/gibsey/memory-rag/internal/embed"
	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/rerank"
	"github.com/gibsey/memory-rag/internal/server"
	"github.com/gibsey/memory-rag/internal/upstream"
	"github.com/gibsey/memory-rag/pkg/version"
)

var (
	serveListenAddr  string
	serveNoBootstrap bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retrieval HTTP service",
	Long: `Run the retrieval HTTP service.

On startup the index is bootstrapped in the background from the
page_vectors table; the service answers /health as degraded until the
first load completes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoBootstrap, "no-bootstrap", false, "skip the startup index bootstrap")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	slog.Info("starting",
		slog.String("service", version.ServiceName),
		slog.String("version", version.Version),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.String("index_backend", cfg.Index.Backend))

	idx, err := index.New(cfg.Index.Backend, cfg.Index.Dimensions)
	if err != nil {
		return err
	}

	embedder := newEmbedder(cfg)
	defer func() { _ = embedder.Close() }()

	store := upstream.NewClient(upstreamConfig(cfg))
	reranker := rerank.FromConfig(cfg.Rerank.Enabled, rerank.CrossEncoderConfig{
		URL:       cfg.Rerank.URL,
		Model:     cfg.Rerank.Model,
		Timeout:   cfg.Rerank.Timeout,
		BatchSize: cfg.Rerank.BatchSize,
	})

	srv := server.New(server.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, idx, embedder, store, reranker)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if !serveNoBootstrap {
		g.Go(func() error {
			// Startup bootstrap is best-effort: the service comes up
			// degraded and retries are driven by POST /bootstrap.
			if err := srv.Bootstrap(ctx); err != nil {
				slog.Error("startup_bootstrap_failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	return g.Wait()
}

// newEmbedder builds the cached embedding client from config.
func newEmbedder(cfg *config.Config) embed.Embedder {
	ollama := embed.NewOllamaEmbedder(embed.OllamaConfig{
		URL:         cfg.Embed.URL,
		Model:       cfg.Embed.Model,
		Timeout:     cfg.Embed.Timeout,
		MaxAttempts: cfg.Embed.MaxAttempts,
		Dimensions:  cfg.Index.Dimensions,
	})
	return embed.NewCachedEmbedder(ollama, cfg.Embed.CacheSize)
}

// upstreamConfig maps the loaded config onto the client's config.
func upstreamConfig(cfg *config.Config) upstream.Config {
	return upstream.Config{
		BaseURL:      cfg.Upstream.URL,
		AuthToken:    cfg.Upstream.AuthToken,
		Keyspace:     cfg.Upstream.Keyspace,
		ReadTimeout:  cfg.Upstream.ReadTimeout,
		ScanTimeout:  cfg.Upstream.ScanTimeout,
		WriteTimeout: cfg.Upstream.WriteTimeout,
		ScanPageSize: cfg.Upstream.ScanPageSize,
	}
}
