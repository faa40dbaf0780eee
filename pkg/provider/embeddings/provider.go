// Package embeddings defines the Provider interface for text embedding backends.
//
// The memory store uses embeddings to rank stored conversation snippets by
// semantic similarity to a query. Implementations must be safe for concurrent
// use.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector returned by one Provider has length Dimensions(). Vectors from
// different models must not be compared with each other.
type Provider interface {
	// Embed returns the vector for a single text. The text is sent verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order. On error
	// the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length of this provider.
	Dimensions() int

	// ModelID is the backend model name, e.g. "text-embedding-3-small".
	ModelID() string
}
