// Package llms defines the LLM provider contract and the wire-level message
// model shared by the reasoning loop and the providers.
package llms

import "context"

// ============================================================================
// MESSAGE MODEL
// ============================================================================

// Message is a single prompt message sent to or produced by a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a callable tool in provider-neutral form.
// Parameters is a JSON-schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage reports token consumption of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Completion is the structured result of one model call.
type Completion struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Params carries per-call generation parameters.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// ============================================================================
// PROVIDER CONTRACT
// ============================================================================

// LLMClient is the narrow contract every provider satisfies. Implementations
// must support structured tool-call outputs (name + JSON arguments) and honor
// context cancellation.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Completion, error)
	ModelName() string
	Close() error
}
