package agent

import (
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/reasoning"
)

// agentServices presents the agent's concrete components to the reasoning
// engine behind its narrow service views. Optional components come back as
// nil interfaces, never as typed nils, so the engine's presence checks hold.
type agentServices struct {
	agent *Agent
}

func newServices(a *Agent) *agentServices {
	return &agentServices{agent: a}
}

func (s *agentServices) AgentID() string             { return s.agent.name }
func (s *agentServices) Config() *config.AgentConfig { return s.agent.cfg }
func (s *agentServices) LLM() llms.LLMClient         { return s.agent.llm }

func (s *agentServices) Tools() reasoning.ToolService { return s.agent.registry }

func (s *agentServices) History() reasoning.HistoryService { return s.agent.history }

func (s *agentServices) Events() reasoning.EventService { return s.agent.events }

func (s *agentServices) Guard() reasoning.GuardService {
	if s.agent.guard == nil {
		return nil
	}
	return s.agent.guard
}

func (s *agentServices) Planner() reasoning.ContextPlanner {
	if s.agent.planner == nil {
		return nil
	}
	return s.agent.planner
}

func (s *agentServices) Artifacts() reasoning.ArtifactService {
	if s.agent.store == nil {
		return nil
	}
	return s.agent.store
}
