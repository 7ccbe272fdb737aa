package llm

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
	Role string

	Content string

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is RoleTool, identifying the call it answers.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string

	Name string

	// Arguments is the JSON-encoded arguments object.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to a model.
type ToolDefinition struct {
	Name string

	// Description explains what the tool does (included in prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}

// ModelCapabilities describes what a backend model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}

// Collect drains a stream channel and concatenates its text. It returns the
// accumulated text and a non-empty failure message if the stream ended with
// FinishReasonError.
func Collect(ch <-chan Chunk) (text string, failure string) {
	var buf []byte
	for c := range ch {
		if c.FinishReason == FinishReasonError {
			failure = c.Text
			continue
		}
		buf = append(buf, c.Text...)
	}
	return string(buf), failure
}
