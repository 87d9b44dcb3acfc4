// Package config provides configuration loading for chakravyuh.
//
// Configuration is read once at startup from a YAML file overlaid with
// environment variables. The resulting Config is treated as immutable:
// components receive the sections they need at construction time.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete chakravyuh configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	LLM           LLMConfig           `koanf:"llm"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Chunking      ChunkingConfig      `koanf:"chunking"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Reasoning     ReasoningConfig     `koanf:"reasoning"`
	Security      SecurityConfig      `koanf:"security"`
	Audit         AuditConfig         `koanf:"audit"`
	Ingestion     IngestionConfig     `koanf:"ingestion"`
	Evaluation    EvaluationConfig    `koanf:"evaluation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`

	// DisablePrometheus stops OTel metrics from being served on /metrics.
	DisablePrometheus bool `koanf:"disable_prometheus"`
}

// EmbeddingsConfig configures the embedding capability.
type EmbeddingsConfig struct {
	// Provider is one of "openai", "tei" or "hash".
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Dimension         int      `koanf:"dimension"`
	Timeout           Duration `koanf:"timeout"`
	MaxConcurrency    int      `koanf:"max_concurrency"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	MaxRetries        uint64   `koanf:"max_retries"`
	BatchSize         int      `koanf:"batch_size"`
}

// LLMConfig configures the completion capability.
type LLMConfig struct {
	// Provider is one of "openai" or "none".
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Temperature       float64  `koanf:"temperature"`
	MaxTokens         int      `koanf:"max_tokens"`
	Timeout           Duration `koanf:"timeout"`
	MaxConcurrency    int      `koanf:"max_concurrency"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	MaxRetries        uint64   `koanf:"max_retries"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	// Provider is one of "memory", "pgvector" or "qdrant".
	Provider   string         `koanf:"provider"`
	Collection string         `koanf:"collection"`
	Index      IndexConfig    `koanf:"index"`
	Memory     MemoryConfig   `koanf:"memory"`
	Postgres   PostgresConfig `koanf:"postgres"`
	Qdrant     QdrantConfig   `koanf:"qdrant"`
}

// IndexConfig is the per-collection index strategy.
type IndexConfig struct {
	// Strategy is "hnsw" or "ivfflat".
	Strategy       string `koanf:"strategy"`
	M              int    `koanf:"m"`
	EfConstruction int    `koanf:"ef_construction"`
	EfSearch       int    `koanf:"ef_search"`
	Lists          int    `koanf:"lists"`
	Probes         int    `koanf:"probes"`
}

// MemoryConfig configures the embedded store.
type MemoryConfig struct {
	// Path enables persistence when non-empty.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// PostgresConfig configures the pgvector backend.
type PostgresConfig struct {
	DSN      Secret `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// QdrantConfig configures the qdrant backend.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// ChunkingConfig controls document splitting.
type ChunkingConfig struct {
	MaxTokens     int    `koanf:"max_tokens"`
	OverlapTokens int    `koanf:"overlap_tokens"`
	Encoding      string `koanf:"encoding"`
}

// RetrievalConfig controls similarity search defaults.
type RetrievalConfig struct {
	DefaultK int `koanf:"default_k"`
	MaxK     int `koanf:"max_k"`
}

// ReasoningConfig controls answer synthesis.
type ReasoningConfig struct {
	MaxFindings        int `koanf:"max_findings"`
	ChunkTokenLimit    int `koanf:"chunk_token_limit"`
	ContextTokenBudget int `koanf:"context_token_budget"`
}

// SecurityConfig holds the gate policy.
type SecurityConfig struct {
	DisableAdversarial bool                `koanf:"disable_adversarial"`
	DisableSecretScan  bool                `koanf:"disable_secret_scan"`
	Roles              map[string][]string `koanf:"roles"`
	PIIPatterns        map[string]string   `koanf:"pii_patterns"`
	// AllowlistPath is an optional gitleaks-style TOML allowlist.
	AllowlistPath      string              `koanf:"allowlist_path"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Sink is "file" or "memory".
	Sink string `koanf:"sink"`
	Dir  string `koanf:"dir"`
}

// IngestionConfig controls the ingestion worker pool.
type IngestionConfig struct {
	Workers int `koanf:"workers"`
}

// EvaluationConfig points at the retrieval golden set.
type EvaluationConfig struct {
	// GoldenSet is a YAML or JSON file. Empty uses the built-in set.
	GoldenSet string `koanf:"golden_set"`
	K         int    `koanf:"k"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8088
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "4M"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "chakravyuh"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 1536
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.MaxConcurrency == 0 {
		cfg.Embeddings.MaxConcurrency = 4
	}
	if cfg.Embeddings.MaxRetries == 0 {
		cfg.Embeddings.MaxRetries = 3
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 64
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1200
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(60 * time.Second)
	}
	if cfg.LLM.MaxConcurrency == 0 {
		cfg.LLM.MaxConcurrency = 2
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "memory"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "security_docs"
	}
	if cfg.VectorStore.Index.Strategy == "" {
		cfg.VectorStore.Index.Strategy = "hnsw"
	}
	if cfg.VectorStore.Index.M == 0 {
		cfg.VectorStore.Index.M = 16
	}
	if cfg.VectorStore.Index.EfConstruction == 0 {
		cfg.VectorStore.Index.EfConstruction = 64
	}
	if cfg.VectorStore.Index.EfSearch == 0 {
		cfg.VectorStore.Index.EfSearch = 40
	}
	if cfg.VectorStore.Index.Lists == 0 {
		cfg.VectorStore.Index.Lists = 100
	}
	if cfg.VectorStore.Index.Probes == 0 {
		cfg.VectorStore.Index.Probes = 10
	}
	if cfg.VectorStore.Postgres.MaxConns == 0 {
		cfg.VectorStore.Postgres.MaxConns = 8
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}

	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = 800
	}
	if cfg.Chunking.OverlapTokens == 0 {
		cfg.Chunking.OverlapTokens = 100
	}
	if cfg.Chunking.Encoding == "" {
		cfg.Chunking.Encoding = "cl100k_base"
	}

	if cfg.Retrieval.DefaultK == 0 {
		cfg.Retrieval.DefaultK = 5
	}
	if cfg.Retrieval.MaxK == 0 {
		cfg.Retrieval.MaxK = 50
	}

	if cfg.Reasoning.MaxFindings == 0 {
		cfg.Reasoning.MaxFindings = 5
	}
	if cfg.Reasoning.ChunkTokenLimit == 0 {
		cfg.Reasoning.ChunkTokenLimit = 800
	}
	if cfg.Reasoning.ContextTokenBudget == 0 {
		cfg.Reasoning.ContextTokenBudget = 3000
	}

	if cfg.Audit.Sink == "" {
		cfg.Audit.Sink = "file"
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "~/.local/state/chakravyuh/audit"
	}

	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 4
	}

	if cfg.Evaluation.K == 0 {
		cfg.Evaluation.K = 5
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be 'json' or 'console', got %q", c.Log.Format))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be between 0 and 1"))
	}

	switch c.Embeddings.Provider {
	case "openai", "tei", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be openai, tei or hash, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		errs = append(errs, errors.New("embeddings.base_url is required for the tei provider"))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension))
	}
	if c.Embeddings.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("embeddings.max_concurrency must be positive"))
	}

	switch c.LLM.Provider {
	case "openai", "none":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openai or none, got %q", c.LLM.Provider))
	}
	if c.LLM.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("llm.max_concurrency must be positive"))
	}

	switch c.VectorStore.Provider {
	case "memory", "pgvector", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be memory, pgvector or qdrant, got %q", c.VectorStore.Provider))
	}
	switch strings.ToLower(c.VectorStore.Index.Strategy) {
	case "hnsw":
	case "ivfflat":
		if c.VectorStore.Provider == "qdrant" {
			errs = append(errs, errors.New("vectorstore.index.strategy ivfflat is not supported by qdrant"))
		}
		if c.VectorStore.Index.Lists <= 0 {
			errs = append(errs, errors.New("vectorstore.index.lists must be positive for ivfflat"))
		}
	default:
		errs = append(errs, fmt.Errorf("vectorstore.index.strategy must be hnsw or ivfflat, got %q", c.VectorStore.Index.Strategy))
	}
	if c.VectorStore.Provider == "pgvector" && !c.VectorStore.Postgres.DSN.IsSet() {
		errs = append(errs, errors.New("vectorstore.postgres.dsn is required for the pgvector provider"))
	}

	if c.Chunking.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens))
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		errs = append(errs, fmt.Errorf("chunking.overlap_tokens must be in [0, max_tokens), got %d", c.Chunking.OverlapTokens))
	}

	if c.Retrieval.DefaultK <= 0 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		errs = append(errs, fmt.Errorf("retrieval.default_k must be in [1, max_k], got %d", c.Retrieval.DefaultK))
	}
	if c.Reasoning.MaxFindings <= 0 {
		errs = append(errs, errors.New("reasoning.max_findings must be positive"))
	}
	if c.Reasoning.ChunkTokenLimit <= 0 || c.Reasoning.ContextTokenBudget < c.Reasoning.ChunkTokenLimit {
		errs = append(errs, errors.New("reasoning.context_token_budget must be at least chunk_token_limit"))
	}

	switch c.Audit.Sink {
	case "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("audit.sink must be file or memory, got %q", c.Audit.Sink))
	}
	if c.Ingestion.Workers <= 0 {
		errs = append(errs, errors.New("ingestion.workers must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
