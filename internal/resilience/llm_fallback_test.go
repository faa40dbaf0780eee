package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/moneycoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/moneycoach/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	tests := []struct {
		name         string
		primaryErr   error
		wantContent  string
		wantModel    string
		wantErr      bool
		secondaryErr error
	}{
		{name: "primary answers", wantContent: "from primary", wantModel: "gpt-4o"},
		{name: "failover", primaryErr: errors.New("primary down"), wantContent: "from secondary", wantModel: "llama3.1"},
		{name: "both down", primaryErr: errors.New("a"), secondaryErr: errors.New("b"), wantModel: "gpt-4o", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
				CompleteErr:      tt.primaryErr,
				Model:            "gpt-4o",
			}
			secondary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
				CompleteErr:      tt.secondaryErr,
				Model:            "llama3.1",
			}
			fb := NewLLMFallback(primary, "openai", FallbackConfig{})
			fb.AddFallback("ollama", secondary)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if got := fb.ModelID(); got != tt.wantModel {
				t.Errorf("ModelID() = %q, want %q", got, tt.wantModel)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Errorf("err = %v, want ErrAllFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", resp.Content, tt.wantContent)
			}
		})
	}
}
