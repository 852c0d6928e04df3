package agent

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/registry"
)

// ============================================================================
// AGENT REGISTRY
// ============================================================================

// Registry holds named agents for lookup by workflows and delegation tools.
type Registry struct {
	*registry.BaseRegistry[*Agent]
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewNamedRegistry[*Agent]("agents")}
}

// RegisterAgent adds an agent under its own name.
func (r *Registry) RegisterAgent(a *Agent) error {
	if a == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	return r.Register(a.Name(), a)
}

// GetAgent looks an agent up by name. The error lists the registered names
// so a model (or a human) can correct a near-miss.
func (r *Registry) GetAgent(name string) (*Agent, error) {
	a, ok := r.Get(name)
	if !ok {
		names := r.Names()
		if len(names) == 0 {
			return nil, fmt.Errorf("agent '%s' not found: no agents registered", name)
		}
		return nil, fmt.Errorf("agent '%s' not found. Available agents: %s", name, strings.Join(names, ", "))
	}
	return a, nil
}
