package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/reasoning"
	"github.com/loomworks/loom/tools"
)

// ============================================================================
// SUB-AGENT DELEGATION
// ============================================================================

// subAgentTool exposes a child agent as a callable tool. Each delegation
// runs in a fresh child session under the caller's remaining deadline; the
// child's final answer (or failure) comes back as the tool result, and the
// child's turn counters fold into the parent's metrics.
type subAgentTool struct {
	parent *Agent
	child  *Agent
}

func newSubAgentTool(parent, child *Agent) *subAgentTool {
	return &subAgentTool{parent: parent, child: child}
}

func (t *subAgentTool) Descriptor() tools.Descriptor {
	description := t.child.Description()
	if description == "" {
		description = fmt.Sprintf("Delegate a task to the %s agent.", t.child.Name())
	}
	return tools.Descriptor{
		Name:        "agent_" + t.child.Name(),
		Description: description,
		Parameters: []tools.Parameter{
			{
				Name:        "query",
				Type:        "string",
				Description: "The task, question, or request to send to the agent. Be clear and specific about what you need.",
				Required:    true,
			},
		},
		Kind: tools.KindSubAgent,
	}
}

func (t *subAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	start := time.Now()
	name := "agent_" + t.child.Name()

	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, agenterrors.New(agenterrors.KindToolInvalidArgs, "query cannot be empty")
	}

	depth := reasoning.Depth(ctx) + 1
	if limit := t.parent.cfg.SubAgentDepthLimit; limit > 0 && depth > limit {
		return nil, agenterrors.Newf(agenterrors.KindToolError,
			"sub-agent depth limit reached (%d)", limit)
	}

	parentSession := reasoning.SessionFrom(ctx)
	childSession := "sub-" + uuid.NewString()

	t.emit(ctx, parentSession, events.TypeSubAgentStarted, map[string]interface{}{
		"agent":      t.child.Name(),
		"session_id": childSession,
	})

	res := t.child.Run(reasoning.WithDepth(ctx, depth), query, childSession)
	t.parent.metrics.Absorb(res.Metrics)

	if res.Error != nil {
		t.emit(ctx, parentSession, events.TypeSubAgentError, map[string]interface{}{
			"agent":      t.child.Name(),
			"session_id": childSession,
			"kind":       string(res.Error.Kind),
			"message":    res.Error.Message,
		})
		return nil, res.Error
	}

	t.emit(ctx, parentSession, events.TypeSubAgentResult, map[string]interface{}{
		"agent":       t.child.Name(),
		"session_id":  childSession,
		"duration_ms": res.Metrics.DurationMS,
	})

	return &tools.Result{
		Success:       true,
		Content:       fmt.Sprintf("[Delegated to: %s]\n\n%s", t.child.Name(), res.Response),
		ToolName:      name,
		ExecutionTime: time.Since(start),
	}, nil
}

func (t *subAgentTool) emit(ctx context.Context, sessionID string, typ events.Type, payload map[string]interface{}) {
	if sessionID == "" {
		return
	}
	emitEvent(ctx, t.parent.events, sessionID, t.parent.name, typ, payload)
}
