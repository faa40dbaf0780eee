// Package mcpserver exposes the coaching memory store as an MCP server with
// a single "search_memory" tool, so assistants and operators can inspect
// what the coach remembers about a user.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/moneycoach/pkg/memory"
)

// ToolName is the name of the search tool.
const ToolName = "search_memory"

// defaultTopK applies when the caller leaves top_k unset.
const defaultTopK = 3

// SearchArgs is the input of the search tool.
type SearchArgs struct {
	Query  string `json:"query" jsonschema:"free-text query ranked against stored memories"`
	UserID string `json:"user_id,omitempty" jsonschema:"user whose memories are searched; defaults to the server's user"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"maximum number of results, default 3"`
	Topic  string `json:"topic,omitempty" jsonschema:"only memories tagged with this topic, e.g. intake_summary"`
}

// SearchHit is one ranked memory.
type SearchHit struct {
	Text      string         `json:"text"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SearchResult is the output of the search tool.
type SearchResult struct {
	Hits []SearchHit `json:"hits"`
}

// Config configures [New].
type Config struct {
	// Version is reported to clients. Defaults to "dev".
	Version string

	// DefaultUserID is searched when a call names no user.
	DefaultUserID string
}

// New returns an MCP server serving [ToolName] over store.
func New(store memory.Store, cfg Config) *mcpsdk.Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "moneycoach-memory", Version: cfg.Version}, nil)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolName,
		Description: "Search a user's long-term coaching memories. Returns the best matches with score and metadata.",
	}, searchHandler(store, cfg.DefaultUserID))
	return s
}

// Serve runs s over stdin/stdout until ctx is cancelled or the client
// disconnects.
func Serve(ctx context.Context, s *mcpsdk.Server) error {
	if err := s.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpserver: %w", err)
	}
	return nil
}

func searchHandler(store memory.Store, defaultUser string) mcpsdk.ToolHandlerFor[SearchArgs, SearchResult] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args SearchArgs) (*mcpsdk.CallToolResult, SearchResult, error) {
		hits, err := Search(ctx, store, defaultUser, args)
		if err != nil {
			return nil, SearchResult{}, err
		}
		return nil, SearchResult{Hits: hits}, nil
	}
}

// Search runs one memory query. It backs both the MCP tool and the
// command-line client.
func Search(ctx context.Context, store memory.Store, defaultUser string, args SearchArgs) ([]SearchHit, error) {
	if args.Query == "" {
		return nil, errors.New("search_memory: query must not be empty")
	}
	if args.UserID == "" {
		args.UserID = defaultUser
	}
	if args.UserID == "" {
		return nil, errors.New("search_memory: user_id must not be empty")
	}
	if args.TopK <= 0 {
		args.TopK = defaultTopK
	}
	var filter map[string]any
	if args.Topic != "" {
		filter = map[string]any{"topic": args.Topic}
	}

	found, err := store.Search(ctx, args.Query, args.UserID, args.TopK, filter)
	if err != nil {
		return nil, fmt.Errorf("search_memory: %w", err)
	}
	out := make([]SearchHit, len(found))
	for i, h := range found {
		out[i] = SearchHit{Text: h.Text, Score: h.Score, Metadata: h.Metadata, CreatedAt: h.CreatedAt}
	}
	return out, nil
}
