// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Memories live in a single memories table. When the store is built with an
// embeddings provider every memory is embedded at write time and searches
// rank by cosine similarity through a pgvector HNSW index. Without one,
// searches rank with PostgreSQL full-text search (ts_rank).
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithEmbeddings(embedder))
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Write(ctx, "user-1", turns, map[string]any{"topic": "aspirations"})
//	hits, _ := store.Search(ctx, "house", "user-1", 3, nil)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    messages    JSONB        NOT NULL DEFAULT '[]',
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_user_created
    ON memories (user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_memories_metadata
    ON memories USING GIN (metadata jsonb_path_ops);

CREATE INDEX IF NOT EXISTS idx_memories_fts
    ON memories USING GIN (to_tsvector('english', content));
`

// ddlEmbedding returns the DDL adding the vector column. The dimension is
// baked into the column type when it is first created.
func ddlEmbedding(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures the memories table and its indexes. It is
// idempotent and safe to call on every start.
//
// A positive embeddingDimensions also installs the pgvector extension and the
// embedding column. Changing the dimension after the column exists requires a
// manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlMemories}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlEmbedding(embeddingDimensions))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
