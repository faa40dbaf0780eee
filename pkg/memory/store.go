// Package memory defines the long-term conversational memory contract.
//
// A Store persists chat turns per user together with free-form metadata tags
// and answers ranked free-text queries over them. Implementations live in the
// sub-packages:
//
//   - postgres: PostgreSQL with pgvector similarity or full-text ranking
//   - inmem: a process-local store for development and tests
//   - mock: a call-recording test double
//
// Retry and consistency semantics belong to the implementation. Callers that
// must not block on writes go through the coaching memory bridge, which owns
// a background queue.
package memory

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one chat turn inside a stored memory.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Hit is a single search result.
type Hit struct {
	// ID identifies the stored memory within its backend.
	ID string `json:"id"`

	// Text is the rendered memory content.
	Text string `json:"text"`

	// Score is the relevance score. Higher is better. Scales are backend
	// specific and not comparable across stores.
	Score float64 `json:"score"`

	// Metadata holds the tags supplied at write time.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the memory was written.
	CreatedAt time.Time `json:"created_at"`
}

// Store is the abstraction over a long-term memory backend.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Write persists turns for userID tagged with metadata. Idempotency is not
	// required; at-least-once delivery is acceptable.
	Write(ctx context.Context, userID string, turns []Message, metadata map[string]any) error

	// Search returns up to topK memories of userID ranked by relevance to
	// query, most relevant first. When filter is non-empty only memories whose
	// metadata contains every key/value pair of filter are considered. Fewer
	// than topK results, including none, is not an error.
	Search(ctx context.Context, query, userID string, topK int, filter map[string]any) ([]Hit, error)
}

// Render flattens turns into the single text that is stored and searched,
// one "role: content" line per turn.
func Render(turns []Message) string {
	var n int
	for _, t := range turns {
		n += len(t.Role) + len(t.Content) + 3
	}
	buf := make([]byte, 0, n)
	for i, t := range turns {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, t.Role...)
		buf = append(buf, ": "...)
		buf = append(buf, t.Content...)
	}
	return string(buf)
}

// Matches reports whether metadata contains every key of filter with an equal
// value. Values are compared by their JSON encoding so that 1 and 1.0 match
// after a round trip through a JSON column.
func Matches(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		gb, err1 := json.Marshal(got)
		wb, err2 := json.Marshal(want)
		if err1 != nil || err2 != nil || string(gb) != string(wb) {
			return false
		}
	}
	return true
}
