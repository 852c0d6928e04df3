package llms

import (
	"context"
	"sync"

	"github.com/loomworks/loom/utils"
)

// ============================================================================
// MOCK PROVIDER
// ============================================================================

// MockTurn is one scripted model response.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
}

// MockClient is a deterministic in-process provider. With no scripted turns
// it echoes the most recent user message; with turns queued it replays them
// in order and echoes once the script is exhausted. Useful in tests and for
// wiring checks without network access.
type MockClient struct {
	mu     sync.Mutex
	model  string
	turns  []MockTurn
	cursor int
	calls  int
}

var _ LLMClient = (*MockClient)(nil)

// NewMockClient returns an echo-mode mock for the given model label.
func NewMockClient(model string) *MockClient {
	if model == "" {
		model = "mock-echo"
	}
	return &MockClient{model: model}
}

// Script queues turns to be replayed by subsequent Complete calls.
func (m *MockClient) Script(turns ...MockTurn) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
	return m
}

// Calls reports how many times Complete has been invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete replays the next scripted turn, or echoes the last user message.
func (m *MockClient) Complete(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	inputTokens := 0
	for _, msg := range messages {
		inputTokens += utils.EstimateTokens(msg.Content)
	}

	if m.cursor < len(m.turns) {
		turn := m.turns[m.cursor]
		m.cursor++
		if turn.Err != nil {
			return nil, turn.Err
		}
		return &Completion{
			Text:      turn.Text,
			ToolCalls: turn.ToolCalls,
			Usage: Usage{
				InputTokens:  inputTokens,
				OutputTokens: utils.EstimateTokens(turn.Text),
			},
		}, nil
	}

	text := "(no user message)"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			text = messages[i].Content
			break
		}
	}
	return &Completion{
		Text: text,
		Usage: Usage{
			InputTokens:  inputTokens,
			OutputTokens: utils.EstimateTokens(text),
		},
	}, nil
}

// ModelName returns the configured model label.
func (m *MockClient) ModelName() string {
	return m.model
}

// Close is a no-op for the mock.
func (m *MockClient) Close() error {
	return nil
}
