package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
)

// ============================================================================
// OPENAI PROVIDER
// ============================================================================

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIClient talks to the OpenAI Chat Completions API.
type OpenAIClient struct {
	config *config.LLMProviderConfig
	client *http.Client
}

var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIFromConfig creates an OpenAI client from validated configuration.
func NewOpenAIFromConfig(cfg *config.LLMProviderConfig) (*OpenAIClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = defaultOpenAIHost
	}
	return &OpenAIClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutS) * time.Second},
	}, nil
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// OpenAIRequest is the chat completion request payload.
type OpenAIRequest struct {
	Model       string           `json:"model"`
	Messages    []OpenAIMessage  `json:"messages"`
	Tools       []OpenAIToolSpec `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// OpenAIMessage is a single chat message on the wire.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolSpec wraps a function definition for the tools array.
type OpenAIToolSpec struct {
	Type     string             `json:"type"`
	Function OpenAIFunctionSpec `json:"function"`
}

// OpenAIFunctionSpec is the function description inside a tool spec.
type OpenAIFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// OpenAIToolCall is a tool invocation in an assistant message. Arguments
// arrive as a JSON-encoded string.
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// OpenAIResponse is the chat completion response payload.
type OpenAIResponse struct {
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

// OpenAIChoice is one generated alternative.
type OpenAIChoice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// OpenAIUsage reports token counts.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIError is the API error envelope.
type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ============================================================================
// COMPLETION
// ============================================================================

// Complete sends one chat completion request and returns the parsed result.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Completion, error) {
	req := c.buildRequest(messages, tools, params)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindInternal, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindInternal, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agenterrors.Wrap(agenterrors.KindLLMUnavailable, "openai request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindLLMUnavailable, "read response", err)
	}

	var parsed OpenAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindLLMInvalidOutput, "decode response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("openai returned status %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = fmt.Sprintf("openai error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		kind := agenterrors.KindLLMUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = agenterrors.KindLLMInvalidOutput
		}
		return nil, agenterrors.New(kind, msg)
	}
	if len(parsed.Choices) == 0 {
		return nil, agenterrors.New(agenterrors.KindLLMInvalidOutput, "openai response has no choices")
	}

	choice := parsed.Choices[0]
	completion := &Completion{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, agenterrors.Wrap(agenterrors.KindLLMInvalidOutput,
					fmt.Sprintf("tool call %q has malformed arguments", tc.Function.Name), err)
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return completion, nil
}

func (c *OpenAIClient) buildRequest(messages []Message, tools []ToolDefinition, params Params) *OpenAIRequest {
	req := &OpenAIRequest{
		Model:       c.config.Model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if req.Temperature == 0 {
		req.Temperature = c.config.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.config.MaxTokens
	}

	for _, m := range messages {
		wire := OpenAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			call := OpenAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			wire.ToolCalls = append(wire.ToolCalls, call)
		}
		req.Messages = append(req.Messages, wire)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, OpenAIToolSpec{
			Type: "function",
			Function: OpenAIFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return req
}

// ModelName returns the configured model.
func (c *OpenAIClient) ModelName() string {
	return c.config.Model
}

// Close releases idle connections.
func (c *OpenAIClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
