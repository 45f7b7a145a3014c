// Package config provides configuration loading for triaged.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// Backend selection values for the ticket store.
const (
	BackendPrimary  = "primary"
	BackendFallback = "fallback"
	BackendAuto     = "auto"
)

// Config is the root configuration for the triaged service.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Embedding   EmbeddingConfig   `koanf:"embedding"`
	TicketStore TicketStoreConfig `koanf:"ticketstore"`
	LLM         LLMConfig         `koanf:"llm"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Web         WebSearchConfig   `koanf:"web"`
	Logs        LogSearchConfig   `koanf:"logs"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
	Hooks       HooksConfig       `koanf:"hooks"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	ServiceName    string        `koanf:"service_name"`
	ServiceVersion string        `koanf:"service_version"`
	Endpoint       string        `koanf:"endpoint"`
	Protocol       string        `koanf:"protocol"`
	Insecure       bool          `koanf:"insecure"`
	SampleRate     float64       `koanf:"sample_rate"`
	MetricsEnabled bool          `koanf:"metrics_enabled"`
	ExportInterval time.Duration `koanf:"export_interval"`
}

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	// Provider is "openai" (OpenAI-compatible API) or "tei"
	// (text-embeddings-inference).
	Provider string `koanf:"provider"`

	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`

	// Dim is the fixed embedding dimension D.
	Dim int `koanf:"dim"`

	// MaxTextLength rejects oversize inputs before they reach the provider.
	MaxTextLength int `koanf:"max_text_length"`
}

// PostgresConfig configures the primary (relational) ticket backend.
type PostgresConfig struct {
	// URL is a pgx connection string or DSN.
	URL string `koanf:"url"`

	MaxConns int32 `koanf:"max_conns"`
}

// QdrantBackendConfig configures the fallback (vector-native) ticket backend.
type QdrantBackendConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey string `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// TicketStoreConfig selects and configures the ticket store backends.
type TicketStoreConfig struct {
	// Backend is primary, fallback, or auto.
	Backend string `koanf:"backend"`

	Postgres PostgresConfig      `koanf:"postgres"`
	Qdrant   QdrantBackendConfig `koanf:"qdrant"`

	// HealthInterval is the probe period for the auto backend switch.
	HealthInterval time.Duration `koanf:"health_interval"`
}

// LLMConfig configures the two LLM tiers.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	// FastModel serves the web/log planners.
	FastModel string `koanf:"fast_model"`

	// StrongModel serves the supervisor classifier and the response writer.
	StrongModel string `koanf:"strong_model"`

	Temperature float64 `koanf:"temperature"`
}

// SupervisorConfig configures the router.
type SupervisorConfig struct {
	// ClassifierEnabled consults the LLM when no rule beyond the default
	// fires. Disabling it makes routing fully deterministic.
	ClassifierEnabled bool `koanf:"classifier_enabled"`
}

// RetrievalConfig carries the shared retrieval parameters.
type RetrievalConfig struct {
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	DefaultTopK         int     `koanf:"default_topk"`
	VectorWeight        float64 `koanf:"vector_weight"`
	KeywordWeight       float64 `koanf:"keyword_weight"`

	// Fanout bounds the parallelism of planned web/log searches.
	Fanout int `koanf:"fanout"`

	RerankerEnabled bool `koanf:"reranker_enabled"`
}

// WebSearchConfig configures the web-search provider client.
type WebSearchConfig struct {
	Provider    string  `koanf:"provider"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	MaxSearches int     `koanf:"max_searches"`
	MaxResults  int     `koanf:"max_results"`
	RateLimit   float64 `koanf:"rate_limit"`
	RateBurst   int     `koanf:"rate_burst"`
}

// LogSearchConfig configures the log-store client.
type LogSearchConfig struct {
	Provider      string        `koanf:"provider"`
	BaseURL       string        `koanf:"base_url"`
	APIKey        string        `koanf:"api_key"`
	MaxSearches   int           `koanf:"max_searches"`
	MaxEntries    int           `koanf:"max_entries"`
	DefaultWindow time.Duration `koanf:"default_window"`

	// IncidentWindow widens the search window when production_incident is set.
	IncidentWindow time.Duration `koanf:"incident_window"`

	// ExceptionCatalogue lists the known exception classes for
	// exception_search plans. The four defaults are a starting point,
	// not a contract.
	ExceptionCatalogue []string `koanf:"exception_catalogue"`
}

// WorkflowConfig configures the orchestrator.
type WorkflowConfig struct {
	// StrategyTimeoutsMS maps strategy names to their retrieval budget in
	// milliseconds.
	StrategyTimeoutsMS map[string]int `koanf:"strategy_timeouts_ms"`
}

// HooksConfig configures the pre/post request hook seam.
type HooksConfig struct {
	// NATSEnabled publishes post-request records to NATS when set.
	NATSEnabled bool   `koanf:"nats_enabled"`
	NATSURL     string `koanf:"nats_url"`
	Subject     string `koanf:"subject"`
}

// StrategyTimeout returns the retrieval budget for a strategy.
func (w WorkflowConfig) StrategyTimeout(name rag.StrategyName) time.Duration {
	if ms, ok := w.StrategyTimeoutsMS[string(name)]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultStrategyTimeouts[name]
}

var defaultStrategyTimeouts = map[rag.StrategyName]time.Duration{
	rag.StrategyBM25:        5 * time.Second,
	rag.StrategyCompression: 10 * time.Second,
	rag.StrategyEnsemble:    30 * time.Second,
	rag.StrategyWebSearch:   20 * time.Second,
	rag.StrategyLogSearch:   20 * time.Second,
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "triaged"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "dev"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dim == 0 {
		cfg.Embedding.Dim = 1536
	}
	if cfg.Embedding.MaxTextLength == 0 {
		cfg.Embedding.MaxTextLength = 8192
	}

	if cfg.TicketStore.Backend == "" {
		cfg.TicketStore.Backend = BackendAuto
	}
	if cfg.TicketStore.Postgres.MaxConns == 0 {
		cfg.TicketStore.Postgres.MaxConns = 8
	}
	if cfg.TicketStore.Qdrant.Host == "" {
		cfg.TicketStore.Qdrant.Host = "localhost"
	}
	if cfg.TicketStore.Qdrant.Port == 0 {
		cfg.TicketStore.Qdrant.Port = 6334
	}
	if cfg.TicketStore.HealthInterval == 0 {
		cfg.TicketStore.HealthInterval = 15 * time.Second
	}

	if cfg.LLM.FastModel == "" {
		cfg.LLM.FastModel = "gpt-4o-mini"
	}
	if cfg.LLM.StrongModel == "" {
		cfg.LLM.StrongModel = "gpt-4o"
	}

	if cfg.Retrieval.SimilarityThreshold == 0 {
		cfg.Retrieval.SimilarityThreshold = 0.1
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 10
	}
	if cfg.Retrieval.VectorWeight == 0 {
		cfg.Retrieval.VectorWeight = 0.7
	}
	if cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.KeywordWeight = 0.3
	}
	if cfg.Retrieval.Fanout == 0 {
		cfg.Retrieval.Fanout = 3
	}

	if cfg.Web.Provider == "" {
		cfg.Web.Provider = "tavily"
	}
	if cfg.Web.BaseURL == "" {
		cfg.Web.BaseURL = "https://api.tavily.com"
	}
	if cfg.Web.MaxSearches == 0 {
		cfg.Web.MaxSearches = 5
	}
	if cfg.Web.MaxResults == 0 {
		cfg.Web.MaxResults = 10
	}
	if cfg.Web.RateLimit == 0 {
		cfg.Web.RateLimit = 5
	}
	if cfg.Web.RateBurst == 0 {
		cfg.Web.RateBurst = 5
	}

	if cfg.Logs.Provider == "" {
		cfg.Logs.Provider = "gcp"
	}
	if cfg.Logs.MaxSearches == 0 {
		cfg.Logs.MaxSearches = 5
	}
	if cfg.Logs.MaxEntries == 0 {
		cfg.Logs.MaxEntries = 50
	}
	if cfg.Logs.DefaultWindow == 0 {
		cfg.Logs.DefaultWindow = time.Hour
	}
	if cfg.Logs.IncidentWindow == 0 {
		cfg.Logs.IncidentWindow = 72 * time.Hour
	}
	if len(cfg.Logs.ExceptionCatalogue) == 0 {
		cfg.Logs.ExceptionCatalogue = []string{
			"certificate-expiry",
			"http-5xx",
			"disk-space-exceeded",
			"dead-letter-queue-exceeded",
		}
	}

	if cfg.Hooks.NATSURL == "" {
		cfg.Hooks.NATSURL = "nats://localhost:4222"
	}
	if cfg.Hooks.Subject == "" {
		cfg.Hooks.Subject = "triaged.requests"
	}
}

// Validate checks the configuration for values the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	switch c.Embedding.Provider {
	case "openai", "tei":
	default:
		return fmt.Errorf("embedding.provider must be openai or tei, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dim < 1 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}

	switch c.TicketStore.Backend {
	case BackendPrimary, BackendFallback, BackendAuto:
	default:
		return fmt.Errorf("ticketstore.backend must be primary, fallback, or auto, got %q", c.TicketStore.Backend)
	}

	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in [0,1], got %v", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.DefaultTopK < 1 {
		return fmt.Errorf("retrieval.default_topk must be positive, got %d", c.Retrieval.DefaultTopK)
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.KeywordWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Retrieval.VectorWeight+c.Retrieval.KeywordWeight == 0 {
		return fmt.Errorf("retrieval weights must not both be zero")
	}
	if c.Retrieval.Fanout < 1 {
		return fmt.Errorf("retrieval.fanout must be positive, got %d", c.Retrieval.Fanout)
	}

	if c.Web.MaxSearches < 1 {
		return fmt.Errorf("web.max_searches must be positive, got %d", c.Web.MaxSearches)
	}
	if c.Logs.MaxSearches < 1 {
		return fmt.Errorf("logs.max_searches must be positive, got %d", c.Logs.MaxSearches)
	}

	for name := range c.Workflow.StrategyTimeoutsMS {
		if !rag.StrategyName(name).Valid() {
			return fmt.Errorf("workflow.strategy_timeouts_ms: unknown strategy %q", name)
		}
	}

	return nil
}
