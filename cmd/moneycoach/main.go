// Command moneycoach is the main entry point for the money-coaching chat
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/moneycoach/internal/app"
	"github.com/MrWong99/moneycoach/internal/config"
	discordbot "github.com/MrWong99/moneycoach/internal/discord"
	"github.com/MrWong99/moneycoach/internal/observe"
	"github.com/MrWong99/moneycoach/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/moneycoach/pkg/provider/embeddings/openai"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
	"github.com/MrWong99/moneycoach/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/moneycoach/pkg/provider/llm/openai"
)

// version is set at build time via ldflags.
var version = "dev"

// shutdownTimeout bounds the graceful shutdown, including the memory flush.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "moneycoach: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "moneycoach: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "moneycoach: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("moneycoach starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := tel.Metrics()
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Discord.Token != "" {
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:      cfg.Discord.Token,
			ChannelIDs: cfg.Discord.ChannelIDs,
		}, application.Manager())
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
		slog.Info("discord bot connected", "channels", len(cfg.Discord.ChannelIDs))
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, config.ReloadFunc(func(prev, next *config.Config) config.ConfigDiff {
		d := application.Reload(prev, next)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		return d
	}))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMProviders share the any-llm-go pattern: optional APIKey plus optional
// BaseURL.
var anyLLMProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("azure", func(entry config.ProviderEntry) (llm.Provider, error) {
		return oaillm.New(entry.APIKey, entry.Model,
			oaillm.WithAzure(entry.BaseURL, optString(entry.Options, "api_version")))
	})

	for _, providerName := range anyLLMProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	// text-embedding-3 models can shorten their vectors; options.dimensions
	// must then equal memory.embedding_dimensions.
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if d := optInt(entry.Options, "dimensions"); d > 0 {
			opts = append(opts, oaembed.WithDimensions(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("azure", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []oaembed.Option{oaembed.WithAzure(entry.BaseURL, optString(entry.Options, "api_version"))}
		if d := optInt(entry.Options, "dimensions"); d > 0 {
			opts = append(opts, oaembed.WithDimensions(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama serves an OpenAI-compatible embeddings endpoint under /v1 and
	// ignores the key.
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		base := entry.BaseURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		key := entry.APIKey
		if key == "" {
			key = "ollama"
		}
		return oaembed.New(key, entry.Model, oaembed.WithBaseURL(base))
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "embeddings", reg.EmbeddingsNames())
}

// buildProviders instantiates every provider named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps, err := reg.Build(cfg.Providers)
	if err != nil {
		return nil, err
	}

	slog.Info("provider created", "kind", "llm", "name", ps.LLM.Name, "model", ps.LLM.Provider.ModelID())
	for _, fb := range ps.Fallbacks {
		slog.Info("provider created", "kind", "llm_fallback", "name", fb.Name, "model", fb.Provider.ModelID())
	}
	if ps.Oracle != nil {
		slog.Info("provider created", "kind", "oracle", "name", cfg.Providers.Oracle.Name, "model", ps.Oracle.ModelID())
	}
	if ps.Embeddings != nil {
		slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name,
			"model", ps.Embeddings.ModelID(), "dimensions", ps.Embeddings.Dimensions())
	}
	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML numbers decode
// as int, JSON-ish sources as float64.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
