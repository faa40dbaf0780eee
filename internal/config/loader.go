package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "azure", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "azure", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return LoadFromBytes(raw)
}

// LoadFromBytes is [LoadFromReader] for an in-memory document.
func LoadFromBytes(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${NAME} in data with the value of the environment
// variable NAME. Unset variables expand to the empty string. A bare $NAME is
// left alone so prompts may contain dollar amounts.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.Oracle.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Memory
	m := cfg.Memory
	if cfg.Providers.Embeddings.Name != "" && m.PostgresDSN == "" {
		slog.Warn("providers.embeddings is configured but memory.postgres_dsn is empty; embeddings will not be used")
	}
	if m.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; memories are kept in process and lost on restart")
	}
	if m.WriteRetries < 0 {
		errs = append(errs, fmt.Errorf("memory.write_retries %d must not be negative", m.WriteRetries))
	}
	if m.RecallTopK < 0 {
		errs = append(errs, fmt.Errorf("memory.recall_top_k %d must not be negative", m.RecallTopK))
	}

	// Coach
	co := cfg.Coach
	if co.Temperature < 0 || co.Temperature > 2 {
		errs = append(errs, fmt.Errorf("coach.temperature %.2f is out of range [0, 2]", co.Temperature))
	}
	if co.PromptWindow > co.HistoryLimit {
		errs = append(errs, fmt.Errorf("coach.prompt_window %d exceeds coach.history_limit %d", co.PromptWindow, co.HistoryLimit))
	}
	if co.BackendRetries != nil && *co.BackendRetries < 0 {
		errs = append(errs, fmt.Errorf("coach.backend_retries %d must not be negative", *co.BackendRetries))
	}

	// Intake
	for i, q := range cfg.Intake.Questions {
		prefix := fmt.Sprintf("intake.questions[%d]", i)
		if q.Text == "" {
			errs = append(errs, fmt.Errorf("%s.text is required", prefix))
		}
		if q.Topic == "" {
			errs = append(errs, fmt.Errorf("%s.topic is required", prefix))
		}
	}

	// Discord
	if cfg.Discord.Token == "" && len(cfg.Discord.ChannelIDs) > 0 {
		slog.Warn("discord.channel_ids is set but discord.token is empty; the Discord front-end stays off")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
