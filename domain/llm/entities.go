package llm

// Core invocation entities independent of frameworks and vendors

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized input handed to a provider adapter.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	// Retries overrides the adapter's configured attempt count when > 0.
	Retries int `json:"retries,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete, non-streamed provider result.
type Response struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Usage    Usage  `json:"usage"`
}

// StreamChunk is one incremental text fragment of a streamed response.
// Usage is non-nil on the final chunk when the backend reports it.
type StreamChunk struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
