// Command memsearch inspects the long-term coaching memory. It either runs a
// single search and prints the ranked hits, or, with -mcp, serves the
// search_memory tool over stdio for MCP clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/moneycoach/internal/config"
	"github.com/MrWong99/moneycoach/internal/mcpserver"
	"github.com/MrWong99/moneycoach/pkg/memory"
	"github.com/MrWong99/moneycoach/pkg/memory/inmem"
	"github.com/MrWong99/moneycoach/pkg/memory/postgres"
	"github.com/MrWong99/moneycoach/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/moneycoach/pkg/provider/embeddings/openai"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	topK := flag.Int("k", 5, "number of hits to print")
	topic := flag.String("topic", "", "only memories with this topic")
	user := flag.String("user", "", "user whose memories are searched (default: memory.user_id)")
	serveMCP := flag.Bool("mcp", false, "serve the search_memory tool over stdio instead of searching once")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: memsearch [flags] <query>\n       memsearch -mcp [flags]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// Logs go to stderr so they never mix with MCP traffic on stdout.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env", "err", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsearch: %v\n", err)
		return 1
	}
	if *user == "" {
		*user = cfg.Memory.UserID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsearch: %v\n", err)
		return 1
	}
	defer closeStore()

	if *serveMCP {
		srv := mcpserver.New(store, mcpserver.Config{Version: version, DefaultUserID: *user})
		if err := mcpserver.Serve(ctx, srv); err != nil {
			fmt.Fprintf(os.Stderr, "memsearch: %v\n", err)
			return 1
		}
		return 0
	}

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		flag.Usage()
		return 2
	}

	hits, err := mcpserver.Search(ctx, store, *user, mcpserver.SearchArgs{
		Query: query,
		TopK:  *topK,
		Topic: *topic,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsearch: %v\n", err)
		return 1
	}
	if len(hits) == 0 {
		fmt.Println("no memories found")
		return 0
	}
	for i, h := range hits {
		meta, _ := json.Marshal(h.Metadata)
		fmt.Printf("#%d  score=%.3f  %s  %s\n", i+1, h.Score, h.CreatedAt.Format("2006-01-02 15:04"), meta)
		for line := range strings.SplitSeq(h.Text, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
	return 0
}

// openStore connects to the configured Postgres store. Without a DSN there is
// nothing persistent to inspect, so an empty in-process store is returned.
func openStore(ctx context.Context, cfg *config.Config) (memory.Store, func(), error) {
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("no postgres_dsn configured, searching an empty in-process store")
		return inmem.New(), func() {}, nil
	}

	var opts []postgres.Option
	if cfg.Providers.Embeddings.Name != "" {
		e, err := newEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, postgres.WithEmbeddings(e))
	}
	store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// newEmbeddings builds the query embedder. All supported backends speak the
// OpenAI embeddings API.
func newEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "azure":
		apiVersion, _ := entry.Options["api_version"].(string)
		return oaembed.New(entry.APIKey, entry.Model, oaembed.WithAzure(entry.BaseURL, apiVersion))
	case "ollama":
		base := entry.BaseURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		key := entry.APIKey
		if key == "" {
			key = "ollama"
		}
		return oaembed.New(key, entry.Model, oaembed.WithBaseURL(base))
	default:
		return nil, fmt.Errorf("embeddings provider %q: %w", entry.Name, config.ErrProviderNotRegistered)
	}
}
