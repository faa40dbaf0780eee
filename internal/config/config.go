// Package config provides the configuration schema, loader, and provider registry
// for the money coaching service.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
	Coach     CoachConfig     `yaml:"coach"`
	Intake    IntakeConfig    `yaml:"intake"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the backends. Each entry selects a named provider
// registered in the [Registry].
type ProvidersConfig struct {
	// LLM is the primary generation backend.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails or its breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Oracle is an optional separate backend for the router and referee.
	// When Name is empty the generation backend is used.
	Oracle ProviderEntry `yaml:"oracle"`

	// Embeddings enables vector search in the Postgres memory store.
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "azure").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For "azure" it is
	// the resource endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (or Azure deployment) within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig holds settings for the long-term memory store and the
// background writer.
type MemoryConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector memory
	// store. When empty an in-process store is used and nothing survives a
	// restart.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension used for the embedding column.
	// Must match the model configured in Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// UserID is the memory owner for front-ends that do not identify users.
	UserID string `yaml:"user_id"`

	// WriteQueueSize bounds pending background writes. Overflow is dropped.
	WriteQueueSize int `yaml:"write_queue_size"`

	// WriteWorkers is the number of concurrent background writers.
	WriteWorkers int `yaml:"write_workers"`

	// WriteRetries is the number of extra attempts per failed write.
	WriteRetries int `yaml:"write_retries"`

	// RecallTopK memories are added to every coaching prompt. Zero disables
	// per-turn recall.
	RecallTopK int `yaml:"recall_top_k"`

	// ReadTimeout bounds profile and recall lookups.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds each background write attempt.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CoachConfig tunes the session state machine.
type CoachConfig struct {
	// CatalogPath is the intervention catalog (.csv, .yaml or .yml).
	CatalogPath string `yaml:"catalog_path"`

	// Persona and StyleRules form the system message. Empty values use the
	// built-in texts. Both are hot-reloadable.
	Persona    string `yaml:"persona"`
	StyleRules string `yaml:"style_rules"`

	// Temperature for coaching replies.
	Temperature float64 `yaml:"temperature"`

	// HistoryLimit bounds the stored history per session.
	HistoryLimit int `yaml:"history_limit"`

	// PromptWindow is how many earlier history entries go into each request.
	PromptWindow int `yaml:"prompt_window"`

	// FailsafeTurns force-closes an intervention after this many turns.
	FailsafeTurns int `yaml:"failsafe_turns"`

	// TurnTimeout bounds each backend attempt.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// SessionIdleTimeout ends sessions without a turn for this long.
	// Negative keeps idle sessions until they are ended explicitly.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// BackendRetries is the number of retries after a failed backend call.
	// Nil means 1.
	BackendRetries *int `yaml:"backend_retries"`

	// StrictInvariants panics on an inconsistent session state instead of
	// only logging it. Meant for development.
	StrictInvariants bool `yaml:"strict_invariants"`
}

// IntakeConfig overrides the first-visit questionnaire.
type IntakeConfig struct {
	Greeting      string           `yaml:"greeting"`
	Questions     []IntakeQuestion `yaml:"questions"`
	SummaryPrompt string           `yaml:"summary_prompt"`
}

// IntakeQuestion is one intake question and the topic its answer is stored
// under.
type IntakeQuestion struct {
	Text  string `yaml:"text"`
	Topic string `yaml:"topic"`
}

// DiscordConfig enables the Discord text front-end when Token is set.
type DiscordConfig struct {
	Token string `yaml:"token"`

	// ChannelIDs restricts the bot to these channels. Direct messages are
	// always accepted. Empty means every channel the bot can read.
	ChannelIDs []string `yaml:"channel_ids"`
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultEmbeddingDimensions = 1536
	DefaultUserID              = "default-user"
	DefaultWriteQueueSize      = 256
	DefaultWriteWorkers        = 2
	DefaultWriteRetries        = 2
	DefaultReadTimeout         = 5 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultCatalogPath         = "interventions.csv"
	DefaultTemperature         = 0.7
	DefaultHistoryLimit        = 50
	DefaultPromptWindow        = 10
	DefaultFailsafeTurns       = 9
	DefaultTurnTimeout         = 30 * time.Second
	DefaultSessionIdleTimeout  = 30 * time.Minute
	DefaultBackendRetries      = 1
)

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	m := &c.Memory
	if m.EmbeddingDimensions <= 0 && c.Providers.Embeddings.Name != "" {
		m.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if m.UserID == "" {
		m.UserID = DefaultUserID
	}
	if m.WriteQueueSize <= 0 {
		m.WriteQueueSize = DefaultWriteQueueSize
	}
	if m.WriteWorkers <= 0 {
		m.WriteWorkers = DefaultWriteWorkers
	}
	if m.WriteRetries == 0 {
		m.WriteRetries = DefaultWriteRetries
	}
	if m.ReadTimeout <= 0 {
		m.ReadTimeout = DefaultReadTimeout
	}
	if m.WriteTimeout <= 0 {
		m.WriteTimeout = DefaultWriteTimeout
	}

	co := &c.Coach
	if co.CatalogPath == "" {
		co.CatalogPath = DefaultCatalogPath
	}
	if co.Temperature == 0 {
		co.Temperature = DefaultTemperature
	}
	if co.HistoryLimit <= 0 {
		co.HistoryLimit = DefaultHistoryLimit
	}
	if co.PromptWindow <= 0 {
		co.PromptWindow = DefaultPromptWindow
	}
	if co.FailsafeTurns <= 0 {
		co.FailsafeTurns = DefaultFailsafeTurns
	}
	if co.TurnTimeout <= 0 {
		co.TurnTimeout = DefaultTurnTimeout
	}
	if co.SessionIdleTimeout == 0 {
		co.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if co.BackendRetries == nil {
		n := DefaultBackendRetries
		co.BackendRetries = &n
	}
}
