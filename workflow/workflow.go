// Package workflow composes agents into multi-step executions: sequential
// chains that thread one agent's answer into the next, parallel fan-outs
// that join every child's result, and LLM-routed dispatch that picks the
// single best-suited agent for a task.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/llms"
)

// ============================================================================
// MODES AND STATUS
// ============================================================================

// Mode selects how a workflow's agents are composed.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeRouter     Mode = "router"
)

// Status is the terminal state of a workflow execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ============================================================================
// SPEC AND RESULTS
// ============================================================================

// Spec describes one workflow: a named composition mode over registered
// agents. Router mode re-asks the routing model up to RouterRetryLimit
// times when it refuses or names an unknown agent.
type Spec struct {
	Name             string   `yaml:"name"`
	Mode             Mode     `yaml:"mode"`
	Agents           []string `yaml:"agents"`
	RouterRetryLimit int      `yaml:"router_retry_limit"`
}

// SetDefaults applies default values.
func (s *Spec) SetDefaults() {
	if s.Name == "" {
		s.Name = "workflow"
	}
	if s.RouterRetryLimit == 0 {
		s.RouterRetryLimit = 1
	}
}

// Validate checks the spec for correctness.
func (s *Spec) Validate() error {
	switch s.Mode {
	case ModeSequential, ModeParallel, ModeRouter:
	default:
		return fmt.Errorf("invalid workflow mode '%s' (must be one of: sequential, parallel, router)", s.Mode)
	}
	if len(s.Agents) == 0 {
		return fmt.Errorf("workflow '%s' requires at least one agent", s.Name)
	}
	if s.RouterRetryLimit < 0 {
		return fmt.Errorf("router_retry_limit cannot be negative")
	}
	return nil
}

// StepResult is one agent's contribution to a workflow execution.
type StepResult struct {
	Agent     string        `json:"agent"`
	SessionID string        `json:"session_id"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result is the complete outcome of a workflow execution. Results maps each
// agent name to its step (last run wins when a sequential chain repeats an
// agent); AgentsUsed preserves execution order.
type Result struct {
	Workflow      string                 `json:"workflow"`
	Mode          Mode                   `json:"mode"`
	Status        Status                 `json:"status"`
	Results       map[string]*StepResult `json:"results"`
	AgentsUsed    []string               `json:"agents_used"`
	RoutedTo      string                 `json:"routed_to,omitempty"`
	FinalOutput   string                 `json:"final_output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
}

func (r *Result) record(step *StepResult) {
	r.Results[step.Agent] = step
	r.AgentsUsed = append(r.AgentsUsed, step.Agent)
}

// ============================================================================
// ORCHESTRATOR
// ============================================================================

// Orchestrator executes workflow specs over a shared agent registry. The
// LLM client is only consulted in router mode and may be nil otherwise.
type Orchestrator struct {
	agents *agent.Registry
	llm    llms.LLMClient
}

// New creates an orchestrator over the given registry.
func New(agents *agent.Registry, llm llms.LLMClient) *Orchestrator {
	return &Orchestrator{agents: agents, llm: llm}
}

// Execute runs one workflow to completion. A non-nil error means the spec
// itself was unusable (bad mode, unknown agent); failures of the agents it
// runs are reported through the result's status instead.
func (o *Orchestrator) Execute(ctx context.Context, spec Spec, input string) (*Result, error) {
	spec.SetDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Mode == ModeRouter && o.llm == nil {
		return nil, fmt.Errorf("workflow '%s' uses router mode but no llm client is configured", spec.Name)
	}

	members, err := o.resolve(spec.Agents)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Workflow: spec.Name,
		Mode:     spec.Mode,
		Results:  make(map[string]*StepResult),
	}
	started := time.Now()

	switch spec.Mode {
	case ModeSequential:
		o.runSequential(ctx, res, members, input)
	case ModeParallel:
		o.runParallel(ctx, res, members, input)
	case ModeRouter:
		o.runRouter(ctx, res, spec, members, input)
	}

	res.ExecutionTime = time.Since(started)
	return res, nil
}

func (o *Orchestrator) resolve(names []string) ([]*agent.Agent, error) {
	members := make([]*agent.Agent, 0, len(names))
	for _, name := range names {
		a, err := o.agents.GetAgent(name)
		if err != nil {
			return nil, err
		}
		members = append(members, a)
	}
	return members, nil
}

// ============================================================================
// SEQUENTIAL AND PARALLEL EXECUTION
// ============================================================================

// runSequential threads each agent's answer into the next agent's input.
// The first failing step aborts the chain.
func (o *Orchestrator) runSequential(ctx context.Context, res *Result, members []*agent.Agent, input string) {
	current := input
	for _, a := range members {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			res.Error = ctx.Err().Error()
			return
		}
		step := o.runStep(ctx, a, current)
		res.record(step)
		if step.Error != "" {
			res.Status = stepStatus(step)
			res.Error = fmt.Sprintf("agent '%s' failed: %s", step.Agent, step.Error)
			return
		}
		current = step.Output
	}
	res.Status = StatusCompleted
	res.FinalOutput = current
}

// runParallel fans the same input out to every agent and joins all of them;
// child failures land in the result map instead of aborting the others.
func (o *Orchestrator) runParallel(ctx context.Context, res *Result, members []*agent.Agent, input string) {
	steps := make([]*StepResult, len(members))
	g := new(errgroup.Group)
	for i, a := range members {
		g.Go(func() error {
			steps[i] = o.runStep(ctx, a, input)
			return nil
		})
	}
	g.Wait()

	failed := 0
	var digest strings.Builder
	for _, step := range steps {
		res.record(step)
		if step.Error != "" {
			failed++
			continue
		}
		fmt.Fprintf(&digest, "[%s]\n%s\n\n", step.Agent, step.Output)
	}
	res.FinalOutput = strings.TrimSpace(digest.String())

	switch {
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Error = ctx.Err().Error()
	case failed > 0:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%d of %d agents failed", failed, len(members))
	default:
		res.Status = StatusCompleted
	}
}

// runStep executes one agent against a fresh session so concurrent steps
// never contend for a session lock and each step's turn stays inspectable.
func (o *Orchestrator) runStep(ctx context.Context, a *agent.Agent, input string) *StepResult {
	sessionID := "wf-" + uuid.NewString()
	started := time.Now()
	rr := a.Run(ctx, input, sessionID)
	step := &StepResult{
		Agent:     a.Name(),
		SessionID: sessionID,
		Duration:  time.Since(started),
	}
	if rr.Error != nil {
		step.Error = rr.Error.Message
		step.ErrorKind = string(rr.Error.Kind)
		return step
	}
	step.Output = rr.Response
	return step
}

func stepStatus(step *StepResult) Status {
	if step.ErrorKind == string(agenterrors.KindCancelled) {
		return StatusCancelled
	}
	return StatusFailed
}
