// Package config loads memory-rag configuration from an optional YAML
// file with environment-variable overrides. The environment wins, which
// is how the service is configured in container deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VectorDim is the embedding dimension produced by nomic-embed-text.
// The whole pipeline is fixed to this width.
const VectorDim = 768

// Config represents the complete memory-rag configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Index    IndexConfig    `yaml:"index" json:"index"`
	Embed    EmbedConfig    `yaml:"embed" json:"embed"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Rerank   RerankConfig   `yaml:"rerank" json:"rerank"`
	CDC      CDCConfig      `yaml:"cdc" json:"cdc"`
	LogLevel string         `yaml:"log_level" json:"log_level"`
}

// ServerConfig configures the retrieval HTTP service.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// RequestTimeout is the end-to-end budget for /retrieve.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// IndexConfig configures the in-memory vector index.
type IndexConfig struct {
	// Backend selects the index implementation: "flat" (exact, default)
	// or "hnsw" (approximate, for corpora beyond what exact scan handles).
	Backend string `yaml:"backend" json:"backend"`

	// Dimensions is the vector width. Fixed to 768 for nomic-embed-text.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// EmbedConfig configures the embedding model client.
type EmbedConfig struct {
	// URL is the embedding endpoint, e.g. http://ollama:11434/api/embeddings.
	URL string `yaml:"url" json:"url"`

	// Model is the embedding model name.
	Model string `yaml:"model" json:"model"`

	// Timeout is the per-attempt budget. First inference after a cold
	// start can take most of it while the model loads.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxAttempts is the total number of tries per embedding call.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// CacheSize bounds the embedding LRU cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// UpstreamConfig configures the REST client for the column store.
type UpstreamConfig struct {
	// URL is the base URL of the Stargate-style REST gateway.
	URL string `yaml:"url" json:"url"`

	// AuthToken is sent as X-Cassandra-Token when non-empty.
	AuthToken string `yaml:"auth_token" json:"auth_token"`

	// Keyspace holds the pages and page_vectors tables.
	Keyspace string `yaml:"keyspace" json:"keyspace"`

	// ReadTimeout bounds single-row reads (page bodies).
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// ScanTimeout bounds one page of a bulk scan.
	ScanTimeout time.Duration `yaml:"scan_timeout" json:"scan_timeout"`

	// WriteTimeout bounds vector upserts.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// ScanPageSize is the page size for bulk scans.
	ScanPageSize int `yaml:"scan_page_size" json:"scan_page_size"`
}

// RerankConfig configures the optional cross-encoder sidecar.
type RerankConfig struct {
	// Enabled turns cross-encoder rescoring on. When off (or when the
	// sidecar cannot be reached at startup) reranking is a pass-through.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// URL is the sidecar base URL.
	URL string `yaml:"url" json:"url"`

	// Model is the cross-encoder model name.
	Model string `yaml:"model" json:"model"`

	// Device is advisory for the sidecar ("cpu" or "cuda").
	Device string `yaml:"device" json:"device"`

	// Timeout is the rerank budget; past it the pre-rerank order stands.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// BatchSize is the number of query-document pairs scored per call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// CDCConfig configures the ingest worker.
type CDCConfig struct {
	// Broker is the Kafka bootstrap address.
	Broker string `yaml:"broker" json:"broker"`

	// Topic is the CDC topic carrying page change events.
	Topic string `yaml:"topic" json:"topic"`

	// GroupID is the consumer group.
	GroupID string `yaml:"group_id" json:"group_id"`

	// RetrievalURL is the retrieval service base URL for /refresh
	// notifications.
	RetrievalURL string `yaml:"retrieval_url" json:"retrieval_url"`

	// HandleDeletes, when true, removes vectors on CDC delete events.
	// When false (default) deletes are ignored and a later body fetch
	// for the dangling page 404s harmlessly.
	HandleDeletes bool `yaml:"handle_deletes" json:"handle_deletes"`

	// StatsInterval is the number of seconds between worker stats log
	// lines.
	StatsInterval int `yaml:"stats_interval" json:"stats_interval"`
}

// Default returns the configuration used when no file and no environment
// overrides are present. Values mirror the original deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8001",
			RequestTimeout: 10 * time.Second,
		},
		Index: IndexConfig{
			Backend:    "flat",
			Dimensions: VectorDim,
		},
		Embed: EmbedConfig{
			URL:         "http://ollama:11434/api/embeddings",
			Model:       "nomic-embed-text",
			Timeout:     30 * time.Second,
			MaxAttempts: 5,
			CacheSize:   1000,
		},
		Upstream: UpstreamConfig{
			URL:          "http://stargate:8080",
			Keyspace:     "gibsey",
			ReadTimeout:  5 * time.Second,
			ScanTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			ScanPageSize: 100,
		},
		Rerank: RerankConfig{
			Enabled:   false,
			URL:       "http://reranker:9380",
			Model:     "ms-marco-MiniLM-L-6-v2",
			Device:    "cpu",
			Timeout:   2 * time.Second,
			BatchSize: 8,
		},
		CDC: CDCConfig{
			Broker:        "kafka:9092",
			Topic:         "cdc.pages",
			GroupID:       "gibsey-embedding-consumer",
			RetrievalURL:  "http://memory-rag:8001",
			HandleDeletes: false,
			StatsInterval: 10,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path (when non-empty and present) and
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from the process environment.
func (c *Config) applyEnv() {
	setString(&c.CDC.Broker, "BROKER")
	setString(&c.CDC.Topic, "TOPIC")
	setString(&c.CDC.GroupID, "GROUP_ID")
	setString(&c.CDC.RetrievalURL, "MEMORY_RAG_URL")
	setBool(&c.CDC.HandleDeletes, "CDC_HANDLE_DELETES")

	setString(&c.Upstream.URL, "UPSTREAM_URL")
	setString(&c.Upstream.AuthToken, "UPSTREAM_AUTH_TOKEN")
	setString(&c.Upstream.Keyspace, "UPSTREAM_KEYSPACE")

	setString(&c.Embed.URL, "EMBED_URL")
	setString(&c.Embed.Model, "EMBED_MODEL")

	if v := os.Getenv("RERANKER"); v != "" {
		c.Rerank.Enabled = isTruthy(v)
	}
	setString(&c.Rerank.URL, "RERANKER_URL")
	setString(&c.Rerank.Model, "RERANKER_MODEL")
	setString(&c.Rerank.Device, "RERANKER_DEVICE")

	setString(&c.Index.Backend, "INDEX_BACKEND")
	setInt(&c.Index.Dimensions, "VECTOR_DIM")

	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Index.Dimensions != VectorDim {
		return fmt.Errorf("vector dimension is fixed to %d, got %d", VectorDim, c.Index.Dimensions)
	}
	switch c.Index.Backend {
	case "flat", "hnsw":
	default:
		return fmt.Errorf("unknown index backend %q (want flat or hnsw)", c.Index.Backend)
	}
	if c.Embed.URL == "" {
		return fmt.Errorf("embed url must not be empty")
	}
	if c.Embed.MaxAttempts < 1 {
		c.Embed.MaxAttempts = 1
	}
	if c.Upstream.ScanPageSize < 1 {
		c.Upstream.ScanPageSize = 100
	}
	if c.Rerank.BatchSize < 1 {
		c.Rerank.BatchSize = 8
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = isTruthy(v)
	}
}

// isTruthy mirrors the original service's flag parsing: on/true/1/yes.
func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	default:
		return false
	}
}
