// Package llm defines the Provider interface for large language model
// backends.
//
// An LLM provider wraps a remote model API (OpenAI, or a compatible
// streaming chat endpoint) and exposes a uniform interface for the LLM
// sub-session to drive completions without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/voxrelay/voxrelay-core/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, starting with the
	// system message.
	Messages []types.Message

	// Temperature controls output randomness. Default 0.7 per the recognized
	// runtime options.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Default 500.
	MaxTokens int

	// TopP is nucleus sampling mass. Default 1.0.
	TopP float64

	// FrequencyPenalty and PresencePenalty tune repetition. Default 0.0 each.
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty on
	// the terminal chunk.
	Text string

	// FinishReason is set on the final chunk. Common values are "stop"
	// (natural end), "length" (MaxTokens reached), and "error" (the stream
	// failed after it was already opened).
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or ctx is cancelled.
	//
	// Errors that occur after the channel is opened are surfaced as a Chunk
	// with FinishReason "error"; the initial error return is non-nil only
	// for failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given message list
	// would consume. Need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports.
	Capabilities() types.ModelCapabilities
}
