package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/logger"
)

// ============================================================================
// LLM-ROUTED DISPATCH
// ============================================================================

const routingPrompt = `You dispatch a task to the single best-suited agent.

Agents:
%s
Task: %s

Reply with exactly one line and nothing else:
AGENT: <name>
or, if no agent fits the task:
REFUSE: <reason>`

// runRouter asks the routing model to pick exactly one agent for the task,
// then runs the original input through the selection. A refusal or an
// unknown name is re-asked up to RouterRetryLimit times before the
// workflow fails with the model's reason.
func (o *Orchestrator) runRouter(ctx context.Context, res *Result, spec Spec, members []*agent.Agent, input string) {
	byName := make(map[string]*agent.Agent, len(members))
	for _, a := range members {
		byName[strings.ToLower(a.Name())] = a
	}

	messages := []llms.Message{{
		Role:    "user",
		Content: fmt.Sprintf(routingPrompt, roster(members), input),
	}}

	attempts := 1 + spec.RouterRetryLimit
	var lastReason string
	for attempt := 1; attempt <= attempts; attempt++ {
		completion, err := o.llm.Complete(ctx, messages, nil, llms.Params{})
		if err != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("routing call failed: %v", err)
			return
		}
		reply := strings.TrimSpace(completion.Text)

		choice, reason := parseRouteReply(reply)
		if choice != "" {
			selected, ok := byName[strings.ToLower(choice)]
			if !ok {
				lastReason = fmt.Sprintf("selected unknown agent '%s'", choice)
				messages = routeRetry(messages, reply, fmt.Sprintf(
					"'%s' is not one of the agents. Reply with AGENT: <name> using an exact name from the list, or REFUSE: <reason>.", choice))
				continue
			}
			res.RoutedTo = selected.Name()
			step := o.runStep(ctx, selected, input)
			res.record(step)
			if step.Error != "" {
				res.Status = stepStatus(step)
				res.Error = fmt.Sprintf("agent '%s' failed: %s", step.Agent, step.Error)
				return
			}
			res.Status = StatusCompleted
			res.FinalOutput = step.Output
			return
		}

		if reason == "" {
			reason = fmt.Sprintf("unparseable routing reply: %q", reply)
		}
		lastReason = reason
		logger.Debug("routing attempt rejected", "workflow", spec.Name, "attempt", attempt, "reason", reason)
		messages = routeRetry(messages, reply,
			"Reconsider: if any listed agent could make progress on the task, select it with AGENT: <name>. Otherwise refuse again with REFUSE: <reason>.")
	}

	res.Status = StatusFailed
	res.Error = fmt.Sprintf("routing refused after %d attempts: %s", attempts, lastReason)
}

// roster renders the agents as "- name: description" lines for the prompt.
func roster(members []*agent.Agent) string {
	var b strings.Builder
	for _, a := range members {
		desc := a.Description()
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s: %s\n", a.Name(), desc)
	}
	return b.String()
}

// parseRouteReply extracts the selection or the refusal reason from the
// model's reply. A bare agent name as the whole reply also counts as a
// selection; models frequently drop the prefix.
func parseRouteReply(reply string) (choice, reason string) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "`*"))
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "AGENT:"):
			return strings.TrimSpace(line[len("AGENT:"):]), ""
		case strings.HasPrefix(upper, "REFUSE:"):
			return "", strings.TrimSpace(line[len("REFUSE:"):])
		}
	}
	if fields := strings.Fields(reply); len(fields) == 1 {
		return strings.Trim(fields[0], "`*.,"), ""
	}
	return "", ""
}

func routeRetry(messages []llms.Message, reply, correction string) []llms.Message {
	return append(messages,
		llms.Message{Role: "assistant", Content: reply},
		llms.Message{Role: "user", Content: correction},
	)
}
