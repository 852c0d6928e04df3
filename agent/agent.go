// Package agent assembles the runtime around the reasoning engine: per-agent
// configuration, session-scoped memory and event routers, the tool registry
// with its local, builtin, skill, MCP, and sub-agent sources, plus the
// context manager and history summarizer that keep long conversations
// inside their budgets.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/artifacts"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/guardrail"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/mcp"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/reasoning"
	"github.com/loomworks/loom/tools"
)

// DefaultSession receives turns that arrive without a session ID.
const DefaultSession = "default"

// ============================================================================
// AGENT
// ============================================================================

// Agent ties one engine to the components that outlive a single turn.
// Concurrent runs are allowed; turns that target the same session serialize
// on a per-session lock so their histories interleave cleanly.
type Agent struct {
	name        string
	description string
	cfg         *config.AgentConfig

	llm        llms.LLMClient
	history    *memory.Router
	events     *events.Router
	registry   *tools.Registry
	guard      *guardrail.Guardrail
	store      *artifacts.Store
	planner    *ContextManager
	summarizer *Summarizer
	metrics    *metricsCollector
	engine     *reasoning.Engine

	mcpServers  []config.MCPServerConfig
	metricsOnce sync.Once

	mu         sync.Mutex
	connectors []mcp.Connector
	sessions   sync.Map // session ID -> *sync.Mutex
}

// Options carries the externally built collaborators an agent runs on.
// LLM, History, and Events are required; the rest are optional.
type Options struct {
	LLM     llms.LLMClient
	History *memory.Router
	Events  *events.Router

	// Registry receives the agent's tools. A fresh empty registry is used
	// when nil.
	Registry *tools.Registry

	// MCPServers are connected lazily by ConnectToolProviders, not at
	// construction, so building an agent never blocks on the network.
	MCPServers []config.MCPServerConfig
}

// New builds an agent from its configuration and collaborators. The config
// is defaulted and validated here, so partially filled configs are fine.
func New(cfg *config.AgentConfig, opts Options) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("agent %q: llm client is required", cfg.Name)
	}
	if opts.History == nil {
		return nil, fmt.Errorf("agent %q: history router is required", cfg.Name)
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("agent %q: event router is required", cfg.Name)
	}

	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}

	a := &Agent{
		name:        cfg.Name,
		description: cfg.Description,
		cfg:         cfg,
		llm:         opts.LLM,
		history:     opts.History,
		events:      opts.Events,
		registry:    registry,
		metrics:     newMetricsCollector(),
		mcpServers:  opts.MCPServers,
	}

	if cfg.Guardrail.Enabled {
		guard, err := guardrail.New(&cfg.Guardrail)
		if err != nil {
			return nil, fmt.Errorf("agent %q: guardrail: %w", cfg.Name, err)
		}
		a.guard = guard
	}

	if cfg.ToolOffload.Enabled {
		backend, err := offloadBackend(cfg, a.history)
		if err != nil {
			return nil, fmt.Errorf("agent %q: tool offload: %w", cfg.Name, err)
		}
		a.store = artifacts.NewStore(backend, cfg.Name, cfg.ToolOffload.MaxPreviewTokens)
		builtins, err := artifacts.BuiltinTools(a.store)
		if err != nil {
			return nil, fmt.Errorf("agent %q: artifact tools: %w", cfg.Name, err)
		}
		if err := registry.RegisterTools(builtins...); err != nil {
			return nil, fmt.Errorf("agent %q: artifact tools: %w", cfg.Name, err)
		}
	}

	if cfg.EnableAgentSkills {
		skills, err := tools.LoadSkills(cfg.SkillsDir)
		if err != nil {
			return nil, fmt.Errorf("agent %q: load skills: %w", cfg.Name, err)
		}
		if err := registry.RegisterTools(skills...); err != nil {
			return nil, fmt.Errorf("agent %q: register skills: %w", cfg.Name, err)
		}
	}

	if cfg.MemoryToolBackend == "local" {
		memTools, err := tools.NewMemoryTools(cfg.MemoryToolDir)
		if err != nil {
			return nil, fmt.Errorf("agent %q: memory tools: %w", cfg.Name, err)
		}
		if err := registry.RegisterTools(memTools...); err != nil {
			return nil, fmt.Errorf("agent %q: register memory tools: %w", cfg.Name, err)
		}
	}

	if cfg.ContextManagement.Enabled {
		a.planner = NewContextManager(cfg.ContextManagement, a.llm, a.history, a.events, cfg.Name)
	}
	a.summarizer = NewSummarizer(cfg.MemoryConfig, a.llm, a.history, a.events, cfg.Name)
	a.engine = reasoning.New(newServices(a))

	return a, nil
}

// offloadBackend picks where offloaded tool output lives: the filesystem
// when a directory is configured, otherwise the agent's own history store.
func offloadBackend(cfg *config.AgentConfig, history *memory.Router) (artifacts.Backend, error) {
	if dir := cfg.ToolOffload.StorageDir; dir != "" {
		return artifacts.NewFSBackend(dir)
	}
	return artifacts.RouterBackend{Router: history}, nil
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.name }

// Description returns the agent's configured description.
func (a *Agent) Description() string { return a.description }

// ============================================================================
// TURN EXECUTION
// ============================================================================

// Run executes one query against a session and blocks until the turn
// reaches a terminal state. An empty session ID targets the default
// session. The result is always structured; inspect Error for failures.
func (a *Agent) Run(ctx context.Context, query, sessionID string) *reasoning.RunResult {
	sessionID = orDefault(sessionID)

	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	a.metricsOnce.Do(func() {
		if err := a.metrics.load(ctx, a.history, a.name); err != nil {
			logger.Warn("metrics restore failed", "agent", a.name, "error", err)
		}
	})

	started := time.Now()
	res := a.engine.Run(ctx, query, sessionID)
	a.metrics.Record(res.Metrics)

	var runErr error
	if res.Error != nil {
		runErr = res.Error
	}
	observability.GetGlobalMetrics().RecordAgentCall(ctx, a.name, time.Since(started),
		res.Metrics.InputTokens+res.Metrics.OutputTokens, runErr)

	// Post-turn work still runs when the caller's context died mid-turn;
	// whatever the engine managed to persist should be accounted for.
	detached := context.WithoutCancel(ctx)
	if err := a.metrics.persist(detached, a.history, a.name); err != nil {
		logger.Warn("metrics persist failed", "agent", a.name, "error", err)
	}
	if err := a.summarizer.Compact(detached, sessionID); err != nil {
		logger.Warn("history compaction failed", "agent", a.name, "session_id", sessionID, "error", err)
	}
	return res
}

// Stream starts a run and returns the session's live event feed alongside
// the eventual result. The result channel delivers exactly one value and
// closes; the event channel keeps following the session until ctx is
// cancelled, so callers typically cancel once they have the result.
func (a *Agent) Stream(ctx context.Context, query, sessionID string) (<-chan events.Event, <-chan *reasoning.RunResult, error) {
	sessionID = orDefault(sessionID)

	last, err := a.events.LastID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	feed, err := a.events.Stream(ctx, sessionID, last)
	if err != nil {
		return nil, nil, err
	}

	results := make(chan *reasoning.RunResult, 1)
	go func() {
		defer close(results)
		results <- a.Run(ctx, query, sessionID)
	}()
	return feed, results, nil
}

// ============================================================================
// SESSION AND COMPONENT MANAGEMENT
// ============================================================================

// ConnectToolProviders dials the configured MCP servers and registers their
// tools. Safe to call again after adding servers; already-connected servers
// are kept.
func (a *Agent) ConnectToolProviders(ctx context.Context) error {
	a.mu.Lock()
	pending := a.mcpServers
	a.mcpServers = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	connectors, discovered, err := mcp.ConnectAll(ctx, pending)
	if err != nil {
		a.mu.Lock()
		a.mcpServers = pending
		a.mu.Unlock()
		return err
	}
	if err := a.registry.RegisterTools(discovered...); err != nil {
		for _, c := range connectors {
			_ = c.Close()
		}
		return err
	}

	a.mu.Lock()
	a.connectors = append(a.connectors, connectors...)
	a.mu.Unlock()
	return nil
}

// RegisterSubAgent makes child callable from this agent's tool loop.
func (a *Agent) RegisterSubAgent(child *Agent) error {
	return a.registry.RegisterTool(newSubAgentTool(a, child))
}

// RegisterTools adds tools to the agent's registry.
func (a *Agent) RegisterTools(list ...tools.Tool) error {
	return a.registry.RegisterTools(list...)
}

// ListTools returns descriptors for every registered tool.
func (a *Agent) ListTools() []tools.Descriptor {
	return a.registry.Descriptors()
}

// Events returns the agent's event router. The router survives backend
// swaps, so holders stay subscribed across SwitchEvents.
func (a *Agent) Events() *events.Router { return a.events }

// SessionHistory returns a session's active messages, oldest first.
func (a *Agent) SessionHistory(ctx context.Context, sessionID string) ([]memory.Message, error) {
	return a.history.Load(ctx, orDefault(sessionID), memory.LoadFilter{})
}

// ListSessions returns the IDs of every session with stored history.
func (a *Agent) ListSessions(ctx context.Context) ([]string, error) {
	return a.history.ListSessions(ctx)
}

// ClearSession deletes one session's stored state, or every session's when
// sessionID is empty.
func (a *Agent) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		return a.history.Clear(ctx, sessionID)
	}
	ids, err := a.history.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := a.history.Clear(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SwitchMemory hot-swaps the memory backend, migrating stored state.
// In-flight reads and writes block for the duration of the swap.
func (a *Agent) SwitchMemory(ctx context.Context, cfg *config.MemoryBackendConfig) error {
	return a.history.SwitchToConfig(ctx, cfg)
}

// SwitchEvents hot-swaps the event stream backend.
func (a *Agent) SwitchEvents(ctx context.Context, cfg *config.EventBackendConfig) error {
	return a.events.SwitchToConfig(ctx, cfg)
}

// Metrics returns a snapshot of the agent's lifetime counters.
func (a *Agent) Metrics() Metrics {
	return a.metrics.Snapshot()
}

// Cleanup releases everything the agent holds: MCP connections first, then
// the model client and both routers. The agent is assumed to own its
// collaborators; callers sharing routers across agents should close those
// themselves and skip Cleanup's router teardown by not calling it twice.
func (a *Agent) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	connectors := a.connectors
	a.connectors = nil
	a.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range connectors {
		record(c.Close())
	}
	record(a.llm.Close())
	record(a.history.Close(ctx))
	record(a.events.Close(ctx))
	return firstErr
}

func (a *Agent) sessionLock(sessionID string) *sync.Mutex {
	v, _ := a.sessions.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func orDefault(sessionID string) string {
	if sessionID == "" {
		return DefaultSession
	}
	return sessionID
}

// emitEvent is the agent-side emission helper: emission failures are
// logged, never propagated, because events are advisory.
func emitEvent(ctx context.Context, router *events.Router, sessionID, agentID string, typ events.Type, payload map[string]interface{}) {
	if router == nil {
		return
	}
	evt := &events.Event{
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      typ,
		Payload:   payload,
	}
	if err := router.Emit(ctx, evt); err != nil {
		logger.Warn("event emit failed", "session_id", sessionID, "type", string(typ), "error", err)
	}
}
