// Package cmd implements the memoryrag CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gibsey/memory-rag/internal/config"
	"github.com/gibsey/memory-rag/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "memoryrag",
	Short: "Semantic retrieval over the pages corpus",
	Long: `memoryrag serves semantic retrieval over the pages corpus.

It holds an in-memory vector index of page embeddings, answers
retrieval queries with the most relevant passage per page, and keeps
itself fresh by consuming change events from the pages table.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig loads the config file (if any), applies environment
// overrides, and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logging.SetupDefault(cfg.LogLevel)
	return cfg, nil
}
