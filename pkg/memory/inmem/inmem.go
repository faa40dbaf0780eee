// Package inmem provides a process-local [memory.Store].
//
// Memories are ranked by word overlap with the query; ties go to the most
// recent memory. Nothing survives a restart, so the store is meant for
// development runs without PostgreSQL and for tests.
package inmem

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MrWong99/moneycoach/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

type record struct {
	id       string
	userID   string
	text     string
	words    map[string]struct{}
	metadata map[string]any
	at       time.Time
	seq      int
}

// Store is an in-memory [memory.Store]. The zero value is ready to use.
type Store struct {
	mu      sync.RWMutex
	records []record
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store { return &Store{} }

// Write implements [memory.Store].
func (s *Store) Write(ctx context.Context, userID string, turns []memory.Message, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := memory.Render(turns)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	seq := len(s.records)
	s.records = append(s.records, record{
		id:       strconv.Itoa(seq + 1),
		userID:   userID,
		text:     text,
		words:    words(text),
		metadata: maps.Clone(metadata),
		at:       now(),
		seq:      seq,
	})
	return nil
}

// Search implements [memory.Store]. Memories sharing no word with query score
// zero and are returned only when the query itself has no words.
func (s *Store) Search(ctx context.Context, query, userID string, topK int, filter map[string]any) ([]memory.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []memory.Hit{}, nil
	}
	q := words(query)

	type scored struct {
		rec   record
		score float64
	}

	s.mu.RLock()
	var candidates []scored
	for _, r := range s.records {
		if r.userID != userID || !memory.Matches(r.metadata, filter) {
			continue
		}
		score := overlap(q, r.words)
		if score == 0 && len(q) > 0 {
			continue
		}
		candidates = append(candidates, scored{rec: r, score: score})
	}
	s.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(b.rec.seq, a.rec.seq)
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	hits := make([]memory.Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, memory.Hit{
			ID:        c.rec.id,
			Text:      c.rec.text,
			Score:     c.score,
			Metadata:  maps.Clone(c.rec.metadata),
			CreatedAt: c.rec.at,
		})
	}
	return hits, nil
}

// Len returns the number of stored memories across all users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// overlap is the fraction of query words found in doc.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	var n int
	for w := range query {
		if _, ok := doc[w]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

func words(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}
