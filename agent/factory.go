package agent

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
)

// NewFromConfig builds a fully wired agent from a complete runtime config:
// the model client, memory and event routers over their configured
// backends, and the agent around them. MCP servers are recorded but not
// dialed; call ConnectToolProviders when tool discovery should happen.
//
// The returned agent owns every component it built, so Cleanup tears all
// of them down.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	llm, err := llms.NewFromConfig(&cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to build llm client '%s': %w", cfg.LLM.Type, err)
	}

	memStore, err := memory.NewStoreFromConfig(ctx, &cfg.Memory)
	if err != nil {
		_ = llm.Close()
		return nil, fmt.Errorf("failed to open memory backend '%s': %w", cfg.Memory.Kind, err)
	}
	history := memory.NewRouter(memStore)

	evtStore, err := events.NewStoreFromConfig(ctx, &cfg.Events)
	if err != nil {
		_ = history.Close(ctx)
		_ = llm.Close()
		return nil, fmt.Errorf("failed to open event backend '%s': %w", cfg.Events.Kind, err)
	}
	evts := events.NewRouter(evtStore, cfg.Events.BufferSize)

	a, err := New(&cfg.Agent, Options{
		LLM:        llm,
		History:    history,
		Events:     evts,
		MCPServers: cfg.MCPServers,
	})
	if err != nil {
		_ = evts.Close(ctx)
		_ = history.Close(ctx)
		_ = llm.Close()
		return nil, err
	}
	return a, nil
}
