package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/moneycoach/pkg/memory"
	"github.com/MrWong99/moneycoach/pkg/provider/embeddings"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed memory store. All operations are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

type options struct {
	embedder embeddings.Provider
	maxConns int32
}

// Option configures a Store.
type Option func(*options)

// WithEmbeddings enables vector search. The embedding column is sized from
// p.Dimensions().
func WithEmbeddings(p embeddings.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithMaxConns caps the connection pool size.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	dims := 0
	if o.embedder != nil {
		dims = o.embedder.Dimensions()
		// The vector type only exists once Migrate has installed the
		// extension, so registration happens on connections opened later.
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
		if err := ensureExtension(ctx, dsn); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: o.embedder}, nil
}

// ensureExtension installs pgvector over a plain connection so that pooled
// connections can register its types in AfterConnect.
func ensureExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres store: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("postgres store: install pgvector: %w", err)
	}
	return nil
}

// Write implements [memory.Store]. With an embeddings provider configured the
// rendered text is embedded first; an embedding failure fails the write.
func (s *Store) Write(ctx context.Context, userID string, turns []memory.Message, metadata map[string]any) error {
	content := memory.Render(turns)

	msgs, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("postgres store: encode messages: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("postgres store: encode metadata: %w", err)
	}

	id := uuid.NewString()
	if s.embedder == nil {
		const q = `
			INSERT INTO memories (id, user_id, content, messages, metadata)
			VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)`
		if _, err := s.pool.Exec(ctx, q, id, userID, content, string(msgs), string(meta)); err != nil {
			return fmt.Errorf("postgres store: write: %w", err)
		}
		return nil
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("postgres store: embed: %w", err)
	}
	const q = `
		INSERT INTO memories (id, user_id, content, messages, metadata, embedding)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)`
	if _, err := s.pool.Exec(ctx, q, id, userID, content, string(msgs), string(meta), pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres store: write: %w", err)
	}
	return nil
}

// Search implements [memory.Store].
//
// With embeddings the score is cosine similarity (1 - cosine distance).
// Without, the score is ts_rank against an English plainto_tsquery; memories
// that do not match still rank, newest first, behind those that do.
func (s *Store) Search(ctx context.Context, query, userID string, topK int, filter map[string]any) ([]memory.Hit, error) {
	if topK <= 0 {
		return []memory.Hit{}, nil
	}

	var rank any
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("postgres store: embed query: %w", err)
		}
		rank = pgvector.NewVector(vec)
	} else {
		rank = query
	}

	args := []any{rank, userID} // $1 = rank input, $2 = user
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"user_id = $2"}
	if s.embedder != nil {
		conditions = append(conditions, "embedding IS NOT NULL")
	}
	if len(filter) > 0 {
		f, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("postgres store: encode filter: %w", err)
		}
		conditions = append(conditions, "metadata @> "+next(string(f))+"::jsonb")
	}
	limit := next(topK)

	var scoreExpr, order string
	if s.embedder != nil {
		scoreExpr = "1 - (embedding <=> $1)"
		order = "embedding <=> $1"
	} else {
		scoreExpr = "ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1))"
		order = "score DESC, created_at DESC"
	}

	q := fmt.Sprintf(`
		SELECT id, content, metadata, created_at, %s AS score
		FROM   memories
		WHERE  %s
		ORDER  BY %s
		LIMIT  %s`, scoreExpr, strings.Join(conditions, "\n  AND "), order, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Hit, error) {
		var (
			h     memory.Hit
			meta  []byte
			at    time.Time
			score float64
		)
		if err := row.Scan(&h.ID, &h.Text, &meta, &at, &score); err != nil {
			return memory.Hit{}, err
		}
		if err := json.Unmarshal(meta, &h.Metadata); err != nil {
			return memory.Hit{}, fmt.Errorf("decode metadata: %w", err)
		}
		h.CreatedAt = at
		h.Score = score
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if hits == nil {
		hits = []memory.Hit{}
	}
	return hits, nil
}

// Ping verifies database connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
