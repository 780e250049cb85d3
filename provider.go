package aegis

import "context"

// InvokeRequest is one chat-completion call: messages, optional bound
// tools, and an optional temperature override.
type InvokeRequest struct {
	Messages    []Message
	Tools       []ToolDescriptor
	Temperature *float64
}

// InvokeResponse is what came back: text, any tool-call requests, and
// whatever token/timing metrics the backend reported. Empty content is
// a legal response, not an error.
type InvokeResponse struct {
	Content   string
	ToolCalls []ToolCall
	Metrics   Metrics
}

// Provider abstracts the LLM backend.
type Provider interface {
	// Invoke sends one chat completion and waits for the full response.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
	// Name returns the backend name (e.g. "ollama", "openai-compat").
	Name() string
}

// StreamingProvider is implemented by backends that can deliver content
// incrementally. fn receives each text delta; a non-nil return aborts the
// stream. The final response carries the complete content and metrics.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req InvokeRequest, fn func(delta string) error) (*InvokeResponse, error)
}

// EmbeddingProvider abstracts text embedding for retrieval.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns the backend name.
	Name() string
}
