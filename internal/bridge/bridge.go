// Package bridge connects coaching sessions to the long-term memory store.
//
// Reads (the intake profile and per-turn recall) are synchronous and bounded
// by a read timeout. Writes go through a [Writer] so persisting a turn never
// delays the reply that produced it.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/moneycoach/pkg/memory"
)

// Metadata keys and values shared with the intake flow.
const (
	TopicIntakeSummary = "intake_summary"
	profileQuery       = "summary"
)

// Primed is the memory context fetched when a session starts.
type Primed struct {
	Profile  string
	Memories []string
}

// Bridge is the session's view of the memory store.
type Bridge struct {
	store       memory.Store
	writer      *Writer
	readTimeout time.Duration
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithReadTimeout bounds every read. Zero disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.readTimeout = d }
}

// New returns a [Bridge] reading from store and writing through writer.
func New(store memory.Store, writer *Writer, opts ...Option) *Bridge {
	b := &Bridge{store: store, writer: writer}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Profile returns the user's stored intake summary, or "" when the user has
// never completed intake.
func (b *Bridge) Profile(ctx context.Context, userID string) (string, error) {
	ctx, cancel := b.readContext(ctx)
	defer cancel()

	hits, err := b.store.Search(ctx, profileQuery, userID, 1, map[string]any{"topic": TopicIntakeSummary})
	if err != nil {
		return "", fmt.Errorf("bridge: profile for %q: %w", userID, err)
	}
	if len(hits) == 0 {
		return "", nil
	}
	return hits[0].Text, nil
}

// Recall returns the texts of up to k memories relevant to query.
func (b *Bridge) Recall(ctx context.Context, userID, query string, k int, filter map[string]any) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, cancel := b.readContext(ctx)
	defer cancel()

	hits, err := b.store.Search(ctx, query, userID, k, filter)
	if err != nil {
		return nil, fmt.Errorf("bridge: recall for %q: %w", userID, err)
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Text)
	}
	return out, nil
}

// Prime fetches the profile and up to k memories relevant to query in
// parallel. Recall is optional: a recall failure is logged and leaves
// Memories nil. Only a failed profile lookup is returned as an error, and
// the memories fetched so far are still returned with it.
func (b *Bridge) Prime(ctx context.Context, userID, query string, k int) (Primed, error) {
	var (
		p         Primed
		eg        errgroup.Group
		recallErr error
	)
	eg.Go(func() error {
		profile, err := b.Profile(ctx, userID)
		p.Profile = profile
		return err
	})
	eg.Go(func() error {
		p.Memories, recallErr = b.Recall(ctx, userID, query, k, nil)
		return nil
	})
	err := eg.Wait()
	if recallErr != nil {
		p.Memories = nil
		slog.Warn("memory recall failed at session start", "user_id", userID, "error", recallErr)
	}
	return p, err
}

// Remember queues the exchange for persistence and returns immediately. The
// returned error reports only whether the write was accepted.
func (b *Bridge) Remember(userID, user, assistant string, metadata map[string]any) error {
	return b.writer.Enqueue(Job{
		UserID: userID,
		Turns: []memory.Message{
			{Role: "user", Content: user},
			{Role: "assistant", Content: assistant},
		},
		Metadata: metadata,
	})
}

func (b *Bridge) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.readTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.readTimeout)
}
