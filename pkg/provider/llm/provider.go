// Package llm defines the Provider interface for text-generation backends.
//
// A provider wraps a remote model API (an OpenAI-compatible endpoint, Anthropic,
// Gemini, a local Ollama instance, ...) and exposes the two request shapes the
// refinement pipeline needs: a full completion for analysis, synthesis and merge
// calls, and a token stream for rewriting.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError marks a streamed Chunk carrying a mid-stream failure. The
// error message is placed in Chunk.Text.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the backend needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. Callers should
	// check Capabilities().SupportsToolCalling before populating it.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history. Providers without
	// a dedicated system field prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. For FinishReasonError it holds the
	// error message instead.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// FinishReasonError, or "" for non-final chunks.
	FinishReason string

	// ToolCalls contains tool invocations requested by the model.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the text of the reply. Empty when the model responds only with
	// tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	Usage Usage
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of Chunk values. The
	// initial error is non-nil only when the stream could not start; later
	// failures arrive as a Chunk with FinishReason set to FinishReasonError.
	// The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
