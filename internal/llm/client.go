package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the full response.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// text fragments are delivered to it as they arrive. The returned
	// response carries the concatenated content.
	ChatStream(ctx context.Context, model string, messages []Message, opts Options, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
