package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/tools"
)

// ToolsCmd lists the tools available to the configured agent, including
// those discovered from MCP servers.
type ToolsCmd struct{}

func (c *ToolsCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadRuntimeConfig(cli.Config)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(sess)

	printTools(sess.agent.ListTools())
	return nil
}

// printTools renders tool descriptors in registry order (by name).
func printTools(descriptors []tools.Descriptor) {
	if len(descriptors) == 0 {
		fmt.Println("No tools registered")
		return
	}

	fmt.Printf("\n%d tools available:\n\n", len(descriptors))
	for _, d := range descriptors {
		fmt.Printf("  🔧 %s (%s)\n", d.Name, d.Kind)
		if d.Description != "" {
			fmt.Printf("     %s\n", d.Description)
		}
		if d.ServerName != "" {
			fmt.Printf("     server: %s\n", d.ServerName)
		}
		if len(d.Parameters) > 0 {
			fmt.Printf("     parameters: %s\n", formatParameters(d.Parameters))
		}
		fmt.Println()
	}
}

// formatParameters renders a compact one-line signature.
func formatParameters(params []tools.Parameter) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		part := fmt.Sprintf("%s: %s", p.Name, p.Type)
		if !p.Required {
			part += " (optional)"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
