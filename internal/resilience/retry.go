package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

// ErrAttemptTimeout is wrapped when an attempt exceeds its per-attempt timeout
// while the caller's context is still live.
var ErrAttemptTimeout = errors.New("attempt timed out")

// RetryConfig configures [LLMRetry].
type RetryConfig struct {
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first failure.
	Retries int

	// Backoff is the pause before each retry.
	Backoff time.Duration
}

// LLMRetry implements [llm.Provider] by bounding each call with a timeout and
// retrying failures a fixed number of times. It never retries once the
// caller's context is done.
type LLMRetry struct {
	next llm.Provider
	cfg  RetryConfig
}

var _ llm.Provider = (*LLMRetry)(nil)

// NewLLMRetry wraps next.
func NewLLMRetry(next llm.Provider, cfg RetryConfig) *LLMRetry {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &LLMRetry{next: next, cfg: cfg}
}

// Complete implements [llm.Provider].
func (r *LLMRetry) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying completion", "attempt", attempt+1, "error", lastErr)
			if err := sleep(ctx, r.cfg.Backoff); err != nil {
				return nil, fmt.Errorf("retry: %w (last error: %w)", err, lastErr)
			}
		}

		resp, err := r.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
	}
	return nil, fmt.Errorf("retry: %d attempts failed: %w", r.cfg.Retries+1, lastErr)
}

func (r *LLMRetry) attempt(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if r.cfg.Timeout <= 0 {
		return r.next.Complete(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resp, err := r.next.Complete(actx, req)
	if err != nil && ctx.Err() == nil && actx.Err() != nil {
		return nil, fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, r.cfg.Timeout, err)
	}
	return resp, err
}

// ModelID delegates to the wrapped provider.
func (r *LLMRetry) ModelID() string { return r.next.ModelID() }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
