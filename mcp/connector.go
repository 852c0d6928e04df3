// Package mcp connects to Model Context Protocol servers and exposes their
// tools to the registry. Three transports share one contract: stdio spawns
// the server as a subprocess, streamable_http and sse speak JSON-RPC 2.0
// over HTTP with optional server-sent event responses.
package mcp

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/tools"
)

const (
	clientName      = "loom"
	clientVersion   = "0.1.0"
	protocolVersion = "2024-11-05"
)

// Connector is a connection to one MCP server.
type Connector interface {
	// Name identifies the server in tool descriptors and logs.
	Name() string

	// Connect establishes the connection, performs the initialize
	// handshake, and discovers the server's tools.
	Connect(ctx context.Context) error

	// ListTools returns the discovered tools, ready for registration.
	// Connect must have succeeded first.
	ListTools(ctx context.Context) ([]tools.Tool, error)

	// Call invokes a remote tool and returns its text content.
	Call(ctx context.Context, name string, args map[string]interface{}) ([]byte, error)

	// Close tears the connection down.
	Close() error
}

// New builds a connector for the configured transport.
func New(cfg config.MCPServerConfig) (Connector, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, err)
	}

	switch cfg.Transport {
	case "stdio":
		return newStdioConnector(cfg), nil
	case "streamable_http", "sse":
		return newHTTPConnector(cfg)
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

// ConnectAll connects every configured server and collects their tools.
// A server that fails to connect fails the whole call; already-connected
// servers are closed on the way out.
func ConnectAll(ctx context.Context, configs []config.MCPServerConfig) ([]Connector, []tools.Tool, error) {
	var connectors []Connector
	var collected []tools.Tool

	for _, cfg := range configs {
		connector, err := New(cfg)
		if err != nil {
			closeAll(connectors)
			return nil, nil, err
		}
		if err := connector.Connect(ctx); err != nil {
			closeAll(connectors)
			return nil, nil, fmt.Errorf("failed to connect to MCP server %q: %w", cfg.Name, err)
		}
		serverTools, err := connector.ListTools(ctx)
		if err != nil {
			_ = connector.Close()
			closeAll(connectors)
			return nil, nil, fmt.Errorf("failed to list tools from MCP server %q: %w", cfg.Name, err)
		}
		connectors = append(connectors, connector)
		collected = append(collected, serverTools...)
	}

	return connectors, collected, nil
}

func closeAll(connectors []Connector) {
	for _, c := range connectors {
		_ = c.Close()
	}
}
