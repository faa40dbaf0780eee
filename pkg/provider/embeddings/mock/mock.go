// Package mock provides a test double for the embeddings.Provider interface.
//
// When no canned result is configured, Provider derives a small deterministic
// vector from the input bytes so that identical texts embed identically.
//
// Example:
//
//	p := &mock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/moneycoach/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// DefaultDimensions is the vector length used when DimensionsValue is zero.
const DefaultDimensions = 8

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedResult, when non-nil, is returned by Embed for every text.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by both Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every text submitted, across Embed and EmbedBatch.
	EmbedCalls []string
}

// Embed records the call and returns EmbedResult or a derived vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vector(text), nil
}

// EmbedBatch records the call and embeds every text like Embed.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns DimensionsValue or DefaultDimensions.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Calls returns a copy of the recorded texts.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.EmbedCalls...)
}

func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return DefaultDimensions
}

// vector must be called with mu held.
func (p *Provider) vector(text string) []float32 {
	if p.EmbedResult != nil {
		return p.EmbedResult
	}
	v := make([]float32, p.dims())
	for i := 0; i < len(text); i++ {
		v[i%len(v)] += float32(text[i]) / 255
	}
	return v
}
