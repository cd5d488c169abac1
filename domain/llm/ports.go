package llm

import "context"

// StreamHandler is a generic callback for streaming chunks. The scheduler
// invokes it synchronously, so chunk order is the order the backend produced.
type StreamHandler[T any] func(chunk T) error

// HealthReporter is an optional interface for provider wrappers that track
// their own availability, such as a circuit breaker.
type HealthReporter interface {
	HealthState() string
}

// ProviderPort abstracts one pluggable LLM backend. Adapters normalize the
// backend's wire protocol into Request/Response and fail with *ProviderError.
type ProviderPort interface {
	// Name returns the unique provider identifier (e.g. "openai").
	Name() string

	// Chat performs a non-streaming invocation.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming invocation, delivering chunks in order.
	// It returns after the stream is fully drained or aborted.
	Stream(ctx context.Context, req *Request, onChunk StreamHandler[StreamChunk]) error
}
