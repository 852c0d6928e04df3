package llms

import (
	"fmt"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/registry"
)

// ============================================================================
// PROVIDER REGISTRY
// ============================================================================

// Registry holds named LLM clients.
type Registry struct {
	*registry.BaseRegistry[LLMClient]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewNamedRegistry[LLMClient]("llms")}
}

// NewFromConfig constructs a provider from its configuration block.
func NewFromConfig(cfg *config.LLMProviderConfig) (LLMClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "openai":
		return NewOpenAIFromConfig(cfg)
	case "anthropic":
		return NewAnthropicFromConfig(cfg)
	case "mock-echo":
		return NewMockClient(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider type: %s", cfg.Type)
	}
}
