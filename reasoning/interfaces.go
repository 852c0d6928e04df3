// Package reasoning implements the agent's core loop: prompt assembly,
// LLM calls, concurrent tool dispatch, budget enforcement, and turn
// persistence. The engine consumes narrow service interfaces so the agent
// package can wire real routers while tests substitute fakes.
package reasoning

import (
	"context"
	"time"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/artifacts"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/guardrail"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/tools"
)

// ============================================================================
// SERVICE CONTRACTS
// ============================================================================

// ToolService selects tool descriptors for a prompt and executes calls.
// *tools.Registry satisfies it.
type ToolService interface {
	SelectForPrompt(query string, k int) []tools.Descriptor
	Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (*tools.Result, error)
}

// HistoryService is the slice of the memory router the engine needs.
type HistoryService interface {
	Append(ctx context.Context, sessionID string, msg *memory.Message) error
	Load(ctx context.Context, sessionID string, filter memory.LoadFilter) ([]memory.Message, error)
	Summary(ctx context.Context, sessionID string) (*memory.Message, bool, error)
}

// EventService emits structured events into the session stream.
type EventService interface {
	Emit(ctx context.Context, evt *events.Event) error
}

// GuardService screens raw user input before any model call.
type GuardService interface {
	Check(input string) *guardrail.Result
}

// ContextPlanner shapes the prompt view before each LLM call. view is the
// candidate non-system message list in conversation order; Plan returns the
// list to send and how many messages it dropped from the front.
type ContextPlanner interface {
	Plan(ctx context.Context, sessionID string, view []memory.Message) ([]memory.Message, int, error)
}

// ArtifactService stores oversized tool output out of band.
type ArtifactService interface {
	Put(ctx context.Context, sessionID string, data []byte, mimeHint string) (*artifacts.Ref, error)
}

// AgentServices is the dependency surface an agent hands to the engine.
// Guard, Planner, and Artifacts may return nil when the corresponding
// feature is disabled in configuration.
type AgentServices interface {
	AgentID() string
	Config() *config.AgentConfig
	LLM() llms.LLMClient
	Tools() ToolService
	History() HistoryService
	Events() EventService
	Guard() GuardService
	Planner() ContextPlanner
	Artifacts() ArtifactService
}

// ============================================================================
// RUN RESULT
// ============================================================================

// TurnMetrics counts one run's resource usage.
type TurnMetrics struct {
	Requests     int   `json:"requests"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	ToolCalls    int   `json:"tool_calls"`
	Errors       int   `json:"errors"`
	DurationMS   int64 `json:"duration_ms"`
}

// RunResult is the structured outcome of one run. The engine never returns
// a bare error: failures land in Error with a kind the caller can inspect,
// and Response always carries user-visible text.
type RunResult struct {
	Response        string             `json:"response"`
	Metrics         TurnMetrics        `json:"metrics"`
	GuardrailResult *guardrail.Result  `json:"guardrail_result,omitempty"`
	Error           *agenterrors.Error `json:"error,omitempty"`

	// PersistError marks a run whose response is valid but whose turn
	// could not be written to the session store after retries.
	PersistError bool `json:"persist_error,omitempty"`
}
