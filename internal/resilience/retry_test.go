package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/moneycoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/moneycoach/pkg/provider/llm/mock"
)

// flakyProvider fails the first n calls.
func flakyProvider(n int) *llmmock.Provider {
	p := &llmmock.Provider{}
	calls := 0
	p.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls++
		if calls <= n {
			return nil, errTest
		}
		return &llm.CompletionResponse{Content: "ok"}, nil
	}
	return p
}

func TestLLMRetry_RetriesOnce(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{name: "first attempt succeeds", failures: 0, wantCalls: 1},
		{name: "retry succeeds", failures: 1, wantCalls: 2},
		{name: "both attempts fail", failures: 2, wantErr: true, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := flakyProvider(tt.failures)
			r := NewLLMRetry(p, RetryConfig{Retries: 1})
			resp, err := r.Complete(context.Background(), llm.CompletionRequest{})
			if tt.wantErr {
				if !errors.Is(err, errTest) {
					t.Errorf("err = %v, want errTest", err)
				}
			} else if err != nil || resp.Content != "ok" {
				t.Errorf("Complete = %+v, %v", resp, err)
			}
			if got := len(p.Calls()); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestLLMRetry_PerAttemptTimeout(t *testing.T) {
	p := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := NewLLMRetry(p, RetryConfig{Timeout: 10 * time.Millisecond, Retries: 1})

	start := time.Now()
	_, err := r.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("err = %v, want ErrAttemptTimeout", err)
	}
	if len(p.Calls()) != 2 {
		t.Errorf("calls = %d, want 2", len(p.Calls()))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("hung for %v", elapsed)
	}
}

func TestLLMRetry_NoRetryAfterCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			cancel()
			return nil, context.Canceled
		},
	}
	r := NewLLMRetry(p, RetryConfig{Retries: 3})
	if _, err := r.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(p.Calls()) != 1 {
		t.Errorf("calls = %d, want 1", len(p.Calls()))
	}
}

func TestLLMRetry_ModelID(t *testing.T) {
	r := NewLLMRetry(&llmmock.Provider{Model: "claude"}, RetryConfig{})
	if r.ModelID() != "claude" {
		t.Errorf("ModelID() = %q", r.ModelID())
	}
}
