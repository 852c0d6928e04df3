package reasoning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/tools"
)

func TestBuildPrompt(t *testing.T) {
	summary := &memory.Message{Role: memory.RoleSummary, Content: "[CONVERSATION SUMMARY]\nearlier chat"}
	view := []memory.Message{
		{Role: memory.RoleUser, Content: "hello"},
		{Role: memory.RoleAssistant, Content: "", ToolCalls: []llms.ToolCall{{ID: "c1", Name: "add"}}},
		{Role: memory.RoleTool, Content: "5", ToolCallID: "c1"},
		{Role: memory.RoleUser, Content: "thanks"},
	}

	prompt := BuildPrompt("You are terse.", summary, view)
	require.Len(t, prompt, 6)

	assert.Equal(t, "system", prompt[0].Role)
	assert.Equal(t, "You are terse.", prompt[0].Content)
	assert.Equal(t, "system", prompt[1].Role)
	assert.Contains(t, prompt[1].Content, "[CONVERSATION SUMMARY]")
	assert.Equal(t, "user", prompt[2].Role)
	require.Len(t, prompt[3].ToolCalls, 1)
	assert.Equal(t, "c1", prompt[4].ToolCallID)
	assert.Equal(t, "tool", prompt[4].Role)
}

func TestBuildPromptMinimal(t *testing.T) {
	prompt := BuildPrompt("", nil, []memory.Message{{Role: memory.RoleUser, Content: "hi"}})
	require.Len(t, prompt, 1)
	assert.Equal(t, "user", prompt[0].Role)
}

func TestBuildPromptMapsSummaryRole(t *testing.T) {
	view := []memory.Message{{Role: memory.RoleSummary, Content: "compressed"}}
	prompt := BuildPrompt("", nil, view)
	require.Len(t, prompt, 1)
	assert.Equal(t, "system", prompt[0].Role)
}

func TestPromptTokens(t *testing.T) {
	prompt := []llms.Message{
		{Role: "system", Content: "12345678"},
		{Role: "user", Content: "1234"},
	}
	assert.Equal(t, 3, PromptTokens(prompt))
}

func TestToolDefinitionsOrdering(t *testing.T) {
	descs := []tools.Descriptor{
		{Name: "zeta", Kind: tools.KindMCP},
		{Name: "beta", Kind: tools.KindLocal, Parameters: []tools.Parameter{
			{Name: "query", Type: "string", Required: true},
		}},
		{Name: "alpha", Kind: tools.KindMCP},
	}

	defs := ToolDefinitions(descs)
	require.Len(t, defs, 3)
	assert.Equal(t, "beta", defs[0].Name, "local tools precede mcp tools")
	assert.Equal(t, "alpha", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)

	props, ok := defs[0].Parameters["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Equal(t, []string{"query"}, defs[0].Parameters["required"])
}

func TestStateViewAndDrop(t *testing.T) {
	state := NewState()
	state.SetHistory([]memory.Message{
		{Role: memory.RoleUser, Content: "a"},
		{Role: memory.RoleAssistant, Content: "b"},
	}, nil)
	state.PushTurn(memory.Message{Role: memory.RoleUser, Content: "c"})

	view := state.View()
	require.Len(t, view, 3)

	state.DropHistory(1)
	assert.Len(t, state.View(), 2)

	// Drops beyond the loaded history never touch turn messages.
	state.DropHistory(10)
	view = state.View()
	require.Len(t, view, 1)
	assert.Equal(t, "c", view[0].Content)
}
