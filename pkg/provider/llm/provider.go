// Package llm defines the Provider interface for text-generation backends.
//
// A provider wraps a remote or local model API (OpenAI, Azure OpenAI, Anthropic,
// a local Ollama instance, …) and exposes a single request/response completion
// call. The coaching engine, the intervention router and the referee all talk
// to the backend through this interface so that none of them couples to a
// specific SDK.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in the ordered message list sent to the backend.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the backend needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. System messages may appear anywhere
	// but are conventionally placed first.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// requests the most deterministic decoding the backend offers.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the model identifier requests are sent to.
	ModelID() string
}
