package resilience

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several
// generation backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]

	// served is the backend that answered the most recent successful call.
	served atomic.Pointer[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			f.served.Store(&p)
		}
		return resp, err
	})
}

// ModelID reports the model of the backend that served the latest successful
// completion, so per-model metrics show failover. Before any success it is
// the primary's model.
func (f *LLMFallback) ModelID() string {
	if p := f.served.Load(); p != nil {
		return (*p).ModelID()
	}
	return f.group.Primary().ModelID()
}
