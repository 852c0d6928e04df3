package reasoning

import (
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
)

// ============================================================================
// RUN STATE
// Per-run state threaded through the loop with clear ownership boundaries
// ============================================================================

// State holds everything one run accumulates between iterations.
//
// OWNERSHIP MODEL:
//   - Engine owns: step, usage, turn messages, final text
//     (mutated only through the methods below)
//   - Loaded once, then immutable: history, summary
type State struct {
	// Number of LLM calls made so far.
	step int

	// Token usage accumulated across all LLM calls.
	usage llms.Usage

	// Active history loaded from the store at run start.
	history []memory.Message

	// Rolling summary record, nil when the session has none.
	summary *memory.Message

	// Messages created during this run, in conversation order. Persisted
	// as a block once the run reaches a terminal state.
	turn []memory.Message

	// Count of tool invocations dispatched this run.
	toolCalls int

	// Final assistant text, set when the loop terminates.
	finalText string
}

// NewState returns an empty run state.
func NewState() *State {
	return &State{}
}

// ============================================================================
// ENGINE-OWNED MUTATIONS
// ============================================================================

// BeginStep increments and returns the step counter.
func (s *State) BeginStep() int {
	s.step++
	return s.step
}

// AddUsage folds one completion's token usage into the run total.
func (s *State) AddUsage(u llms.Usage) {
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
}

// SetHistory installs the loaded session view.
func (s *State) SetHistory(history []memory.Message, summary *memory.Message) {
	s.history = history
	s.summary = summary
}

// SetSummary replaces the rolling summary after a mid-run refresh.
func (s *State) SetSummary(summary *memory.Message) {
	s.summary = summary
}

// DropHistory removes the oldest n loaded messages. Messages created during
// this run are never dropped.
func (s *State) DropHistory(n int) {
	if n <= 0 {
		return
	}
	if n > len(s.history) {
		n = len(s.history)
	}
	s.history = s.history[n:]
}

// PushTurn appends a message created during this run.
func (s *State) PushTurn(msg memory.Message) {
	s.turn = append(s.turn, msg)
}

// CountToolCalls adds n dispatched tool invocations.
func (s *State) CountToolCalls(n int) {
	s.toolCalls += n
}

// SetFinal records the terminal assistant text.
func (s *State) SetFinal(text string) {
	s.finalText = text
}

// ============================================================================
// ACCESSORS
// ============================================================================

// Step returns the number of LLM calls made so far.
func (s *State) Step() int { return s.step }

// Usage returns the accumulated token usage.
func (s *State) Usage() llms.Usage { return s.usage }

// Summary returns the session's rolling summary, or nil.
func (s *State) Summary() *memory.Message { return s.summary }

// ToolCalls returns the number of tool invocations dispatched.
func (s *State) ToolCalls() int { return s.toolCalls }

// Final returns the terminal assistant text.
func (s *State) Final() string { return s.finalText }

// Turn returns a copy of the messages created during this run.
func (s *State) Turn() []memory.Message {
	out := make([]memory.Message, len(s.turn))
	copy(out, s.turn)
	return out
}

// View returns the candidate prompt view: loaded history followed by the
// messages created so far this run. The slice is a copy; callers may prune
// it without touching run state.
func (s *State) View() []memory.Message {
	out := make([]memory.Message, 0, len(s.history)+len(s.turn))
	out = append(out, s.history...)
	out = append(out, s.turn...)
	return out
}
