package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/utils"
)

// summaryPrefix marks the rolling summary record so downstream consumers
// (and humans reading raw stores) can tell it apart from model output.
const summaryPrefix = "[CONVERSATION SUMMARY]"

const summarizationPrompt = `You are a conversation summarizer. Produce a concise summary of the conversation below that preserves the key facts, decisions, and context needed to continue it.

Guidelines:
- Keep names, dates, numbers, and identifiers exact
- State decisions and their outcomes
- Do not add information that is not in the conversation
- Write in a neutral, factual tone

Conversation:
%s

Summary:`

// ============================================================================
// MEMORY SUMMARIZER
// ============================================================================

// Summarizer compresses persisted session history after a turn completes.
// Where the ContextManager shapes a single prompt, the Summarizer shrinks
// the store itself: old messages are folded into one rolling summary record
// and then either deactivated or deleted per the retention policy.
//
// Compact is not safe for concurrent calls on the same session; the agent
// runs it under the session lock it already holds for the turn.
type Summarizer struct {
	cfg     config.MemoryConfig
	llm     llms.LLMClient
	history *memory.Router
	events  *events.Router
	agentID string
}

// NewSummarizer wires a summarizer over the agent's history and event
// routers.
func NewSummarizer(cfg config.MemoryConfig, llm llms.LLMClient, history *memory.Router, evts *events.Router, agentID string) *Summarizer {
	return &Summarizer{
		cfg:     cfg,
		llm:     llm,
		history: history,
		events:  evts,
		agentID: agentID,
	}
}

// Compact runs one summarization pass over a session. It is a no-op while
// the session is within bounds; past them, it condenses the oldest messages
// into the rolling summary. A failed pass leaves the store untouched and is
// retried naturally on the next turn.
func (s *Summarizer) Compact(ctx context.Context, sessionID string) error {
	if !s.cfg.Summary.Enabled {
		return nil
	}

	active, err := s.history.Load(ctx, sessionID, memory.LoadFilter{})
	if err != nil {
		return err
	}
	cut := s.cut(active)
	if cut == 0 {
		return nil
	}
	dropSet := active[:cut]

	prior, _, err := s.history.Summary(ctx, sessionID)
	if err != nil {
		return err
	}
	text, err := summarizeMessages(ctx, s.llm, prior, dropSet)
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

	if err := s.history.PutSummary(ctx, sessionID, &memory.Message{
		Content:       text,
		SupersedesIDs: supersedes,
	}); err != nil {
		return err
	}

	if s.cfg.Summary.RetentionPolicy == config.RetentionDelete {
		err = s.history.DeleteMessages(ctx, sessionID, ids)
	} else {
		err = s.history.UpdateActive(ctx, sessionID, ids, false)
	}
	if err != nil {
		return err
	}

	emitEvent(ctx, s.events, sessionID, s.agentID, events.TypeSummaryCreated, map[string]interface{}{
		"message_count":  len(ids),
		"summary_tokens": utils.EstimateTokens(text),
	})
	return nil
}

// cut computes how many of the oldest active messages to fold away, keeping
// tool call/result pairs atomic.
func (s *Summarizer) cut(active []memory.Message) int {
	var cut int
	if s.cfg.Mode == config.ModeTokenBudget {
		tokens := viewTokens(active)
		for cut < len(active) && tokens > s.cfg.Value {
			tokens -= messageTokens(active[cut])
			cut++
		}
	} else {
		if len(active) <= s.cfg.Value {
			return 0
		}
		cut = len(active) - s.cfg.Value
	}
	return alignCut(active, cut)
}

// summarizeMessages asks the model to condense msgs, merging in the prior
// rolling summary when one exists. The returned text carries summaryPrefix.
func summarizeMessages(ctx context.Context, llm llms.LLMClient, prior *memory.Message, msgs []memory.Message) (string, error) {
	var transcript strings.Builder
	if prior != nil && prior.Content != "" {
		earlier := strings.TrimSpace(strings.TrimPrefix(prior.Content, summaryPrefix))
		transcript.WriteString(fmt.Sprintf("[summary of earlier conversation]: %s\n\n", earlier))
	}
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		transcript.WriteString(fmt.Sprintf("[%s]: %s\n\n", msg.Role, msg.Content))
	}
	if transcript.Len() == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	prompt := []llms.Message{{
		Role:    "user",
		Content: fmt.Sprintf(summarizationPrompt, transcript.String()),
	}}
	completion, err := llm.Complete(ctx, prompt, nil, llms.Params{})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summaryPrefix + "\n" + text, nil
}
