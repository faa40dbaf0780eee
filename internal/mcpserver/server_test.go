package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/moneycoach/pkg/memory"
	"github.com/MrWong99/moneycoach/pkg/memory/inmem"
	"github.com/MrWong99/moneycoach/pkg/memory/mock"
)

func TestSearch_Arguments(t *testing.T) {
	tests := []struct {
		name       string
		args       SearchArgs
		wantUser   string
		wantTopK   int
		wantFilter map[string]any
	}{
		{
			name:     "defaults",
			args:     SearchArgs{Query: "budget"},
			wantUser: "default-user",
			wantTopK: defaultTopK,
		},
		{
			name:       "explicit",
			args:       SearchArgs{Query: "budget", UserID: "u-7", TopK: 5, Topic: "intake_summary"},
			wantUser:   "u-7",
			wantTopK:   5,
			wantFilter: map[string]any{"topic": "intake_summary"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mock.Store{}
			if _, err := Search(context.Background(), store, "default-user", tt.args); err != nil {
				t.Fatalf("Search: %v", err)
			}
			calls := store.Calls()
			if len(calls) != 1 {
				t.Fatalf("calls = %d, want 1", len(calls))
			}
			args := calls[0].Args
			if args[1] != tt.wantUser || args[2] != tt.wantTopK {
				t.Errorf("Search args = %v, want user %q top %d", args, tt.wantUser, tt.wantTopK)
			}
			filter, _ := args[3].(map[string]any)
			if tt.wantFilter == nil && filter != nil {
				t.Errorf("filter = %v, want nil", filter)
			}
			if tt.wantFilter != nil && filter["topic"] != tt.wantFilter["topic"] {
				t.Errorf("filter = %v, want %v", filter, tt.wantFilter)
			}
		})
	}
}

func TestSearch_Errors(t *testing.T) {
	boom := errors.New("db down")
	tests := []struct {
		name    string
		store   *mock.Store
		user    string
		args    SearchArgs
		wantErr string
	}{
		{name: "empty query", store: &mock.Store{}, user: "u", args: SearchArgs{}, wantErr: "query must not be empty"},
		{name: "no user", store: &mock.Store{}, args: SearchArgs{Query: "q"}, wantErr: "user_id must not be empty"},
		{name: "store error", store: &mock.Store{SearchErr: boom}, user: "u", args: SearchArgs{Query: "q"}, wantErr: "db down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Search(context.Background(), tt.store, tt.user, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func connect(t *testing.T, store memory.Store) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := New(store, Config{DefaultUserID: "rich-kid"})

	ct, st := mcpsdk.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestServer_SearchMemoryTool(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	writes := []struct {
		user, assistant, topic string
	}{
		{"I hide my budget from my partner", "Noted.", "coaching"},
		{"Summarise my intake", "Intake summary JSON: {\"origin\":\"scarcity\"}", "intake_summary"},
	}
	for _, w := range writes {
		turns := []memory.Message{{Role: "user", Content: w.user}, {Role: "assistant", Content: w.assistant}}
		if err := store.Write(ctx, "rich-kid", turns, map[string]any{"topic": w.topic}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	cs := connect(t, store)

	var names []string
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	if len(names) != 1 || names[0] != ToolName {
		t.Fatalf("tools = %v, want [%s]", names, ToolName)
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      ToolName,
		Arguments: map[string]any{"query": "budget partner", "top_k": 5, "topic": "coaching"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool returned error result: %+v", res.Content)
	}

	var text strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	var out SearchResult
	if err := json.Unmarshal([]byte(text.String()), &out); err != nil {
		t.Fatalf("decode tool output %q: %v", text.String(), err)
	}
	if len(out.Hits) != 1 {
		t.Fatalf("hits = %+v, want 1", out.Hits)
	}
	if !strings.Contains(out.Hits[0].Text, "hide my budget") || out.Hits[0].Metadata["topic"] != "coaching" {
		t.Errorf("hit = %+v", out.Hits[0])
	}
}

func TestServer_ToolErrorIsReported(t *testing.T) {
	cs := connect(t, &mock.Store{})
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      ToolName,
		Arguments: map[string]any{"query": ""},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("expected IsError for empty query")
	}
}
