package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/artifacts"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/tools"
	"github.com/loomworks/loom/utils"
)

// guardrailRefusal is the synthetic response returned for blocked input.
const guardrailRefusal = "I can't proceed with that request."

// persistBackoff paces the append retries after a store failure.
var persistBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// ============================================================================
// ENGINE
// ============================================================================

// Engine drives one run through the loop: guard the input, load history,
// shape the context, call the model, dispatch requested tools concurrently,
// and persist the turn once a terminal state is reached.
type Engine struct {
	services AgentServices
}

// New returns an engine over the given services.
func New(services AgentServices) *Engine {
	return &Engine{services: services}
}

// Run executes one query against a session and always returns a structured
// result. Failures are reported through RunResult.Error, never by panic or
// a bare error.
func (e *Engine) Run(ctx context.Context, query, sessionID string) *RunResult {
	start := time.Now()
	cfg := e.services.Config()
	res := &RunResult{}
	state := NewState()

	defer func() {
		res.Metrics.Requests = state.Step()
		res.Metrics.InputTokens = state.Usage().InputTokens
		res.Metrics.OutputTokens = state.Usage().OutputTokens
		res.Metrics.ToolCalls = state.ToolCalls()
		res.Metrics.DurationMS = time.Since(start).Milliseconds()
		if res.Error != nil {
			res.Metrics.Errors = 1
		}
	}()

	if cfg.MaxExecutionTimeS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.MaxExecutionTimeS)*time.Second)
		defer cancel()
	}
	ctx = WithSession(ctx, sessionID)

	e.emit(ctx, sessionID, events.TypeUserMessage, map[string]interface{}{
		"text": query,
	})

	// GUARD: blocked input short-circuits to a refusal with no model call
	// and nothing persisted.
	if cfg.Guardrail.Enabled {
		if g := e.services.Guard(); g != nil {
			verdict := g.Check(query)
			res.GuardrailResult = verdict
			if verdict.Blocked {
				e.emit(ctx, sessionID, events.TypeGuardrailBlocked, map[string]interface{}{
					"threat": verdict.Threat,
					"reason": verdict.Reason,
				})
				res.Response = guardrailRefusal
				res.Error = agenterrors.New(agenterrors.KindGuardrailBlocked, verdict.Reason)
				return res
			}
		}
	}

	// LOAD_HISTORY
	history, err := e.services.History().Load(ctx, sessionID, memory.LoadFilter{})
	if err != nil {
		return e.abort(ctx, res, state, sessionID,
			agenterrors.Wrap(agenterrors.KindStoreUnavailable, "load session history", err))
	}
	summary, _, err := e.services.History().Summary(ctx, sessionID)
	if err != nil {
		return e.abort(ctx, res, state, sessionID,
			agenterrors.Wrap(agenterrors.KindStoreUnavailable, "load session summary", err))
	}
	state.SetHistory(history, summary)

	state.PushTurn(memory.Message{
		Role:          memory.RoleUser,
		Content:       query,
		CreatedAt:     time.Now().UTC(),
		TokenEstimate: utils.EstimateTokens(query),
	})

	toolDefs := e.toolDefinitions(query)
	timeout := time.Duration(cfg.ToolCallTimeoutS) * time.Second

	for {
		if aerr := budgetErr(ctx, state, cfg.TotalTokensLimit); aerr != nil {
			return e.abort(ctx, res, state, sessionID, aerr)
		}

		// PLAN_CONTEXT
		view := e.planContext(ctx, state, sessionID)
		prompt := BuildPrompt(cfg.SystemInstruction, state.Summary(), view)

		// LLM_CALL
		step := state.BeginStep()
		llmStart := time.Now()
		completion, err := e.services.LLM().Complete(ctx, prompt, toolDefs, llms.Params{})
		if err != nil {
			observability.GetGlobalMetrics().RecordLLMCall(ctx, e.services.LLM().ModelName(), time.Since(llmStart), 0, 0, err)
			return e.abort(ctx, res, state, sessionID, llmErr(ctx, err))
		}
		observability.GetGlobalMetrics().RecordLLMCall(ctx, e.services.LLM().ModelName(), time.Since(llmStart),
			completion.Usage.InputTokens, completion.Usage.OutputTokens, nil)
		state.AddUsage(completion.Usage)

		e.emit(ctx, sessionID, events.TypeAgentThought, map[string]interface{}{
			"step":       step,
			"text":       completion.Text,
			"tool_calls": len(completion.ToolCalls),
		})

		// PARSE: a completion without tool calls is the final answer.
		if len(completion.ToolCalls) == 0 {
			state.SetFinal(completion.Text)
			state.PushTurn(memory.Message{
				Role:      memory.RoleAssistant,
				Content:   completion.Text,
				CreatedAt: time.Now().UTC(),
			})
			e.emit(ctx, sessionID, events.TypeFinalAnswer, map[string]interface{}{
				"text": completion.Text,
			})
			res.Response = completion.Text
			res.PersistError = !e.persistTurn(context.WithoutCancel(ctx), sessionID, state)
			return res
		}

		// The model wants more tools: every continuation consumes budget, so
		// enforce the step and request ceilings before dispatching anything.
		if step >= cfg.MaxSteps {
			return e.abort(ctx, res, state, sessionID,
				agenterrors.Newf(agenterrors.KindBudgetExceeded, "budget exceeded: maximum steps reached (%d)", cfg.MaxSteps))
		}
		if cfg.RequestLimit > 0 && step >= cfg.RequestLimit {
			return e.abort(ctx, res, state, sessionID,
				agenterrors.Newf(agenterrors.KindBudgetExceeded, "budget exceeded: request limit reached (%d)", cfg.RequestLimit))
		}
		if aerr := budgetErr(ctx, state, cfg.TotalTokensLimit); aerr != nil {
			return e.abort(ctx, res, state, sessionID, aerr)
		}

		// TOOL_DISPATCH
		state.PushTurn(memory.Message{
			Role:      memory.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
			CreatedAt: time.Now().UTC(),
		})
		for _, call := range completion.ToolCalls {
			e.emit(ctx, sessionID, events.TypeToolCallStarted, map[string]interface{}{
				"tool_call_id": call.ID,
				"name":         call.Name,
				"arguments":    call.Arguments,
			})
		}

		results := make([]*tools.Result, len(completion.ToolCalls))
		failures := make([]error, len(completion.ToolCalls))
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range completion.ToolCalls {
			i, call := i, call
			g.Go(func() error {
				result, execErr := e.services.Tools().Execute(gctx, call.Name, call.Arguments, timeout)
				results[i] = result
				failures[i] = execErr
				if execErr != nil && cfg.FailFast {
					return execErr
				}
				return nil
			})
		}
		dispatchErr := g.Wait()
		state.CountToolCalls(len(completion.ToolCalls))

		// WAIT_TOOLS joined; INTEGRATE results in the order the model asked
		// for them, regardless of completion order.
		for i, call := range completion.ToolCalls {
			state.PushTurn(e.integrate(ctx, sessionID, call, results[i], failures[i]))
		}

		if dispatchErr != nil && cfg.FailFast {
			aerr := agenterrors.AsError(dispatchErr)
			if aerr == nil {
				aerr = agenterrors.Wrap(agenterrors.KindToolError, "tool dispatch failed", dispatchErr)
			}
			return e.abort(ctx, res, state, sessionID, aerr)
		}
	}
}

// ============================================================================
// LOOP PHASES
// ============================================================================

// toolDefinitions resolves the descriptor set for this run: the full catalog
// by default, or the BM25 top-k for the query when advanced tool use is on.
func (e *Engine) toolDefinitions(query string) []llms.ToolDefinition {
	cfg := e.services.Config()
	k := 0
	if cfg.EnableAdvancedToolUse {
		k = cfg.ToolSelectionTopK
	}
	descs := e.services.Tools().SelectForPrompt(query, k)
	if len(descs) == 0 {
		return nil
	}
	return ToolDefinitions(descs)
}

// planContext lets the planner prune the prompt view. Dropped messages leave
// run state too, so later iterations do not resurrect them. Planner failures
// are survivable: the unpruned view is used as-is.
func (e *Engine) planContext(ctx context.Context, state *State, sessionID string) []memory.Message {
	view := state.View()
	cfg := e.services.Config()
	if !cfg.ContextManagement.Enabled {
		return view
	}
	planner := e.services.Planner()
	if planner == nil {
		return view
	}

	planned, dropped, err := planner.Plan(ctx, sessionID, view)
	if err != nil {
		logger.Warn("context planning failed, using full view", "session_id", sessionID, "error", err)
		return view
	}
	if dropped > 0 {
		state.DropHistory(dropped)
		e.emit(ctx, sessionID, events.TypeContextTruncated, map[string]interface{}{
			"dropped": dropped,
			"kept":    len(planned),
		})
		// The planner may have folded the drop-set into the rolling summary.
		if sum, ok, serr := e.services.History().Summary(ctx, sessionID); serr == nil && ok {
			state.SetSummary(sum)
		}
	}
	return planned
}

// integrate turns one tool outcome into the tool-result message the model
// sees next iteration, offloading oversized payloads to the artifact store.
func (e *Engine) integrate(ctx context.Context, sessionID string, call llms.ToolCall, result *tools.Result, execErr error) memory.Message {
	cfg := e.services.Config()
	payload := map[string]interface{}{
		"tool_call_id": call.ID,
		"name":         call.Name,
		"status":       invocationStatus(execErr),
	}

	var content string
	if execErr != nil {
		kind := agenterrors.KindOf(execErr)
		encoded, err := json.Marshal(struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}{Error: execErr.Error(), Kind: string(kind)})
		if err != nil {
			encoded = []byte(fmt.Sprintf(`{"error":%q,"kind":%q}`, execErr.Error(), kind))
		}
		content = string(encoded)
		payload["error"] = execErr.Error()
		payload["kind"] = string(kind)
	} else {
		content = result.Content
		if cfg.ToolOffload.Enabled && utils.EstimateTokens(content) > cfg.ToolOffload.ThresholdTokens {
			if store := e.services.Artifacts(); store != nil {
				ref, putErr := store.Put(ctx, sessionID, []byte(content), "")
				if putErr != nil {
					logger.Warn("tool output offload failed, keeping inline", "tool", call.Name, "error", putErr)
				} else {
					content = artifacts.OffloadContent(ref)
					payload["artifact_id"] = ref.ArtifactID
				}
			}
		}
	}
	if result != nil {
		payload["duration_ms"] = result.ExecutionTime.Milliseconds()
	}
	payload["content"] = content

	e.emit(ctx, sessionID, events.TypeToolCallResult, payload)

	return memory.Message{
		Role:       memory.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		CreatedAt:  time.Now().UTC(),
	}
}

// ============================================================================
// TERMINAL STATES
// ============================================================================

// abort finishes the run with an error: emit the terminal event and persist
// a best-effort assistant record so the session stays coherent. Guardrail
// blocks never reach here; they return before anything enters the turn.
func (e *Engine) abort(ctx context.Context, res *RunResult, state *State, sessionID string, aerr *agenterrors.Error) *RunResult {
	res.Error = aerr
	res.Response = "Request aborted: " + aerr.Message
	state.SetFinal(res.Response)

	detached := context.WithoutCancel(ctx)
	if aerr.Kind == agenterrors.KindCancelled {
		e.emit(detached, sessionID, events.TypeCancelled, map[string]interface{}{
			"reason": aerr.Message,
		})
	} else {
		e.emit(detached, sessionID, events.TypeFinalAnswer, map[string]interface{}{
			"text":       res.Response,
			"error_kind": string(aerr.Kind),
		})
	}

	state.PushTurn(memory.Message{
		Role:      memory.RoleAssistant,
		Content:   res.Response,
		CreatedAt: time.Now().UTC(),
	})
	res.PersistError = !e.persistTurn(detached, sessionID, state)
	return res
}

// persistTurn appends this run's messages in order, retrying each with
// backoff. Returns false when the session could not be fully written.
func (e *Engine) persistTurn(ctx context.Context, sessionID string, state *State) bool {
	for _, msg := range state.Turn() {
		msg := msg
		if !e.appendWithRetry(ctx, sessionID, &msg) {
			return false
		}
	}
	return true
}

func (e *Engine) appendWithRetry(ctx context.Context, sessionID string, msg *memory.Message) bool {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.services.History().Append(ctx, sessionID, msg)
		if err == nil {
			return true
		}
		if attempt >= len(persistBackoff) {
			break
		}
		time.Sleep(persistBackoff[attempt])
	}
	logger.Warn("session persist failed after retries", "session_id", sessionID, "error", err)
	return false
}

// emit sends an event, logging instead of failing the run when the stream
// store rejects it.
func (e *Engine) emit(ctx context.Context, sessionID string, typ events.Type, payload map[string]interface{}) {
	evt := &events.Event{
		SessionID: sessionID,
		AgentID:   e.services.AgentID(),
		Type:      typ,
		Payload:   payload,
	}
	if err := e.services.Events().Emit(ctx, evt); err != nil {
		logger.Warn("event emit failed", "session_id", sessionID, "type", string(typ), "error", err)
	}
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

// budgetErr reports the first exhausted run budget, or nil.
func budgetErr(ctx context.Context, state *State, tokenLimit int) *agenterrors.Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return agenterrors.New(agenterrors.KindBudgetExceeded, "budget exceeded: execution deadline reached")
	case context.Canceled:
		return agenterrors.New(agenterrors.KindCancelled, "run cancelled")
	}
	if tokenLimit > 0 && state.Usage().Total() > tokenLimit {
		return agenterrors.Newf(agenterrors.KindBudgetExceeded,
			"budget exceeded: token limit reached (%d > %d)", state.Usage().Total(), tokenLimit)
	}
	return nil
}

// llmErr maps a completion failure to its run-level kind. Deadline and
// cancellation take precedence over whatever the provider reported.
func llmErr(ctx context.Context, err error) *agenterrors.Error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return agenterrors.New(agenterrors.KindBudgetExceeded, "budget exceeded: execution deadline reached")
	case ctx.Err() == context.Canceled || errors.Is(err, context.Canceled):
		return agenterrors.New(agenterrors.KindCancelled, "run cancelled")
	}
	if aerr := agenterrors.AsError(err); aerr != nil {
		return aerr
	}
	return agenterrors.Wrap(agenterrors.KindLLMUnavailable, "llm call failed", err)
}

// invocationStatus classifies a tool outcome for the event payload.
func invocationStatus(execErr error) string {
	if execErr == nil {
		return "ok"
	}
	switch agenterrors.KindOf(execErr) {
	case agenterrors.KindToolTimeout:
		return "timeout"
	case agenterrors.KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
