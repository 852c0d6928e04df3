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
// ANTHROPIC PROVIDER
// ============================================================================

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMessagesPath   = "/v1/messages"
	anthropicContentText    = "text"
	anthropicContentToolUse = "tool_use"
	anthropicContentToolRes = "tool_result"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	config *config.LLMProviderConfig
	client *http.Client
}

var _ LLMClient = (*AnthropicClient)(nil)

// NewAnthropicFromConfig creates an Anthropic client from validated
// configuration.
func NewAnthropicFromConfig(cfg *config.LLMProviderConfig) (*AnthropicClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = defaultAnthropicHost
	}
	return &AnthropicClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutS) * time.Second},
	}, nil
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// AnthropicRequest is the messages API request payload.
type AnthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []AnthropicMessage `json:"messages"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

// AnthropicMessage is one conversation turn made of content blocks.
type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

// AnthropicContent is a single content block. The populated fields depend
// on Type: text for "text", ID/Name/Input for "tool_use", ToolUseID/Content
// for "tool_result".
type AnthropicContent struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

// AnthropicTool describes one callable tool.
type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// AnthropicResponse is the messages API response payload.
type AnthropicResponse struct {
	Content    []AnthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

// AnthropicUsage reports token counts.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicError is the API error envelope.
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ============================================================================
// COMPLETION
// ============================================================================

// Complete sends one messages request and returns the parsed result.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Completion, error) {
	req := c.buildRequest(messages, tools, params)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindInternal, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+anthropicMessagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindInternal, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agenterrors.Wrap(agenterrors.KindLLMUnavailable, "anthropic request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindLLMUnavailable, "read response", err)
	}

	var parsed AnthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindLLMInvalidOutput, "decode response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("anthropic returned status %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = fmt.Sprintf("anthropic error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		kind := agenterrors.KindLLMUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = agenterrors.KindLLMInvalidOutput
		}
		return nil, agenterrors.New(kind, msg)
	}

	completion := &Completion{
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case anthropicContentText:
			if completion.Text != "" {
				completion.Text += "\n"
			}
			completion.Text += block.Text
		case anthropicContentToolUse:
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return completion, nil
}

func (c *AnthropicClient) buildRequest(messages []Message, tools []ToolDefinition, params Params) *AnthropicRequest {
	req := &AnthropicRequest{
		Model:       c.config.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.config.Temperature
	}

	for _, m := range messages {
		switch {
		case m.Role == "system":
			// The messages API takes the system prompt out of band.
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
		case m.ToolCallID != "":
			req.Messages = append(req.Messages, AnthropicMessage{
				Role: "user",
				Content: []AnthropicContent{{
					Type:      anthropicContentToolRes,
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case len(m.ToolCalls) > 0:
			blocks := []AnthropicContent{}
			if m.Content != "" {
				blocks = append(blocks, AnthropicContent{Type: anthropicContentText, Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, AnthropicContent{
					Type:  anthropicContentToolUse,
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			req.Messages = append(req.Messages, AnthropicMessage{Role: "assistant", Content: blocks})
		default:
			req.Messages = append(req.Messages, AnthropicMessage{
				Role:    m.Role,
				Content: []AnthropicContent{{Type: anthropicContentText, Text: m.Content}},
			})
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return req
}

// ModelName returns the configured model.
func (c *AnthropicClient) ModelName() string {
	return c.config.Model
}

// Close releases idle connections.
func (c *AnthropicClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
