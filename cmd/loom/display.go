package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/reasoning"
)

const (
	colorDim   = "\033[2m"
	colorReset = "\033[0m"
)

// feedFlush bounds how long the event tail may trail the result before the
// final response prints.
const feedFlush = 250 * time.Millisecond

// ============================================================================
// TURN EXECUTION AND EVENT DISPLAY
// ============================================================================

// runQuery executes one turn. With live display enabled it follows the
// session's event feed while the agent works; either way the final response
// and a metrics footer print at the end. The returned error is the turn's
// terminal error, so one-shot callers get a non-zero exit on failed runs.
func runQuery(ctx context.Context, ag *agent.Agent, query, sessionID string, live bool) error {
	if !live {
		return printResult(ag.Run(ctx, query, sessionID))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed, results, err := ag.Stream(runCtx, query, sessionID)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	var res *reasoning.RunResult
	for res == nil {
		select {
		case e := <-feed:
			printEvent(e)
		case res = <-results:
		}
	}
	drainFeed(feed)
	return printResult(res)
}

// drainFeed flushes events the pump has not forwarded yet. Everything the
// turn emitted is already buffered when the result arrives, so a short
// deadline is enough to catch the tail (including post-turn compaction
// notes).
func drainFeed(feed <-chan events.Event) {
	deadline := time.NewTimer(feedFlush)
	defer deadline.Stop()
	for {
		select {
		case e, ok := <-feed:
			if !ok {
				return
			}
			printEvent(e)
		case <-deadline.C:
			return
		}
	}
}

// printEvent renders one live event as a dim progress line. The final
// answer and the user's own message are not progress; printResult and the
// prompt already show them.
func printEvent(e events.Event) {
	switch e.Type {
	case events.TypeAgentThought:
		text, _ := e.Payload["text"].(string)
		if text = strings.TrimSpace(text); text != "" {
			progress("💭 %s", firstLine(text))
		}
	case events.TypeToolCallStarted:
		name, _ := e.Payload["name"].(string)
		progress("🔧 %s ...", name)
	case events.TypeToolCallResult:
		name, _ := e.Payload["name"].(string)
		if errMsg, ok := e.Payload["error"].(string); ok {
			progress("🔧 %s failed: %s", name, firstLine(errMsg))
			return
		}
		if id, ok := e.Payload["artifact_id"].(string); ok {
			progress("🔧 %s ok (offloaded as %s)", name, id)
			return
		}
		progress("🔧 %s ok", name)
	case events.TypeSubAgentStarted:
		name, _ := e.Payload["agent"].(string)
		progress("🤝 delegating to %s ...", name)
	case events.TypeSubAgentResult:
		name, _ := e.Payload["agent"].(string)
		progress("🤝 %s done", name)
	case events.TypeSubAgentError:
		name, _ := e.Payload["agent"].(string)
		msg, _ := e.Payload["message"].(string)
		progress("🤝 %s failed: %s", name, firstLine(msg))
	case events.TypeGuardrailBlocked:
		reason, _ := e.Payload["reason"].(string)
		progress("🛡️  input blocked: %s", reason)
	case events.TypeContextTruncated:
		progress("✂️  context truncated to fit the window")
	case events.TypeSummaryCreated:
		progress("🧵 older history folded into the rolling summary")
	}
}

// progress prints one dim status line.
func progress(format string, args ...interface{}) {
	fmt.Printf(colorDim+format+colorReset+"\n", args...)
}

// firstLine truncates multi-line text to its first line for progress display.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// printResult renders the turn outcome: the response text, a dim metrics
// footer, and the terminal error when the run failed.
func printResult(res *reasoning.RunResult) error {
	if res.Response != "" {
		fmt.Println(res.Response)
	}

	m := res.Metrics
	progress("📊 %d llm calls | %d tool calls | %d in / %d out tokens | %dms",
		m.Requests, m.ToolCalls, m.InputTokens, m.OutputTokens, m.DurationMS)
	if res.PersistError {
		progress("⚠️  turn was not persisted; session history may be incomplete")
	}

	if res.Error != nil {
		return res.Error
	}
	return nil
}
