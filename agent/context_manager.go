package agent

import (
	"context"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/utils"
)

// ============================================================================
// CONTEXT MANAGER
// ============================================================================

// ContextManager keeps the prompt under the configured ceiling. Before each
// model call the engine hands it the full message view; when the view is
// over budget the manager drops the oldest persisted messages, either
// silently (truncate) or by folding them into the session's rolling summary
// first (summarize_and_truncate).
//
// Plan only ever removes a contiguous prefix: the newest preserve_recent
// messages, anything not yet persisted, and the system instruction (which
// is never part of the view) are untouchable, and a tool call is never
// separated from its results.
type ContextManager struct {
	cfg     config.ContextManagementConfig
	llm     llms.LLMClient
	history *memory.Router
	events  *events.Router
	agentID string
}

// NewContextManager wires a manager over the agent's history and event
// routers. The LLM is only used by the summarize_and_truncate strategy.
func NewContextManager(cfg config.ContextManagementConfig, llm llms.LLMClient, history *memory.Router, evts *events.Router, agentID string) *ContextManager {
	return &ContextManager{
		cfg:     cfg,
		llm:     llm,
		history: history,
		events:  evts,
		agentID: agentID,
	}
}

// Plan returns the trimmed view and how many leading messages were removed.
// A zero drop count means the view fit as-is.
func (m *ContextManager) Plan(ctx context.Context, sessionID string, view []memory.Message) ([]memory.Message, int, error) {
	if !m.cfg.Enabled || !m.overBudget(view) {
		return view, 0, nil
	}

	dropped := m.cut(view)
	if dropped == 0 {
		return view, 0, nil
	}

	if m.cfg.Strategy == config.StrategySummarizeAndTruncate {
		if err := m.fold(ctx, sessionID, view[:dropped]); err != nil {
			logger.Warn("context summarization failed, truncating instead",
				"session_id", sessionID, "dropped", dropped, "error", err)
		}
	}
	return view[dropped:], dropped, nil
}

// overBudget reports whether the view trips the configured trigger.
func (m *ContextManager) overBudget(view []memory.Message) bool {
	if m.cfg.Mode == config.ModeSlidingWindow {
		return len(view) > m.cfg.Value
	}
	return viewTokens(view) > m.target()
}

// target is the token ceiling the trimmed view must come back under.
func (m *ContextManager) target() int {
	return m.cfg.Value * m.cfg.ThresholdPercent / 100
}

// cut computes how many leading messages to drop. It walks forward from the
// oldest message until the view fits, then backs off any tool results whose
// originating call would be left behind.
func (m *ContextManager) cut(view []memory.Message) int {
	limit := len(view) - m.cfg.PreserveRecent
	if limit <= 0 {
		return 0
	}

	dropped := 0
	if m.cfg.Mode == config.ModeSlidingWindow {
		for dropped < limit && len(view)-dropped > m.cfg.Value {
			if view[dropped].ID == 0 {
				break
			}
			dropped++
		}
	} else {
		tokens := viewTokens(view)
		target := m.target()
		for dropped < limit && tokens > target {
			if view[dropped].ID == 0 {
				break
			}
			tokens -= messageTokens(view[dropped])
			dropped++
		}
	}
	return alignCut(view, dropped)
}

// fold condenses the drop-set into the rolling summary and marks the
// superseded messages inactive, so later loads skip them entirely.
func (m *ContextManager) fold(ctx context.Context, sessionID string, dropSet []memory.Message) error {
	prior, _, err := m.history.Summary(ctx, sessionID)
	if err != nil {
		return err
	}

	text, err := summarizeMessages(ctx, m.llm, prior, dropSet)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(dropSet))
	for _, msg := range dropSet {
		ids = append(ids, msg.ID)
	}
	supersedes := ids
	if prior != nil {
		supersedes = append(append([]int64{}, prior.SupersedesIDs...), ids...)
	}

	summary := &memory.Message{
		Content:       text,
		SupersedesIDs: supersedes,
	}
	if err := m.history.PutSummary(ctx, sessionID, summary); err != nil {
		return err
	}
	if err := m.history.UpdateActive(ctx, sessionID, ids, false); err != nil {
		return err
	}

	emitEvent(ctx, m.events, sessionID, m.agentID, events.TypeSummaryCreated, map[string]interface{}{
		"message_count":  len(ids),
		"summary_tokens": utils.EstimateTokens(text),
	})
	return nil
}

// alignCut backs the cut off any tool result whose call message sits on the
// dropped side, keeping call/result pairs atomic.
func alignCut(view []memory.Message, cut int) int {
	for cut > 0 && cut < len(view) && view[cut].Role == memory.RoleTool {
		cut--
	}
	return cut
}

// messageTokens prefers the stored estimate and falls back to recounting.
func messageTokens(msg memory.Message) int {
	if msg.TokenEstimate > 0 {
		return msg.TokenEstimate
	}
	return utils.EstimateTokens(msg.Content)
}

func viewTokens(view []memory.Message) int {
	total := 0
	for _, msg := range view {
		total += messageTokens(msg)
	}
	return total
}
