package reasoning

import (
	"sort"

	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/tools"
	"github.com/loomworks/loom/utils"
)

// ============================================================================
// PROMPT ASSEMBLY
// ============================================================================

// BuildPrompt renders the wire-level message list for one LLM call:
// system instruction, rolling summary (if any), then the conversation view
// in order. Summary records are sent as system messages so providers that
// only understand the four standard roles accept them.
func BuildPrompt(systemInstruction string, summary *memory.Message, view []memory.Message) []llms.Message {
	out := make([]llms.Message, 0, len(view)+2)

	if systemInstruction != "" {
		out = append(out, llms.Message{Role: "system", Content: systemInstruction})
	}
	if summary != nil && summary.Content != "" {
		out = append(out, llms.Message{Role: "system", Content: summary.Content})
	}
	for _, msg := range view {
		role := string(msg.Role)
		if msg.Role == memory.RoleSummary {
			role = "system"
		}
		out = append(out, llms.Message{
			Role:       role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		})
	}
	return out
}

// PromptTokens estimates the token cost of an assembled prompt.
func PromptTokens(messages []llms.Message) int {
	total := 0
	for _, msg := range messages {
		total += utils.EstimateTokens(msg.Content)
	}
	return total
}

// ============================================================================
// TOOL DEFINITIONS
// ============================================================================

// ToolDefinitions converts descriptors to the provider-neutral schema form.
// Output order is deterministic: kind priority first, then name, regardless
// of how the selection ranked them.
func ToolDefinitions(descs []tools.Descriptor) []llms.ToolDefinition {
	sorted := make([]tools.Descriptor, len(descs))
	copy(sorted, descs)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Kind.Priority(), sorted[j].Kind.Priority()
		if pi != pj {
			return pi < pj
		}
		return sorted[i].Name < sorted[j].Name
	})

	out := make([]llms.ToolDefinition, 0, len(sorted))
	for _, desc := range sorted {
		out = append(out, llms.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  tools.BuildJSONSchema(desc),
		})
	}
	return out
}
