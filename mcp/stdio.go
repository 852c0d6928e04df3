package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/tools"
)

// ============================================================================
// STDIO TRANSPORT
// ============================================================================

// stdioConnector runs the MCP server as a subprocess and speaks the protocol
// over its stdin/stdout.
type stdioConnector struct {
	cfg config.MCPServerConfig

	mu        sync.Mutex
	client    *client.Client
	toolList  []tools.Tool
	connected bool
}

func newStdioConnector(cfg config.MCPServerConfig) *stdioConnector {
	return &stdioConnector{cfg: cfg}
}

func (c *stdioConnector) Name() string {
	return c.cfg.Name
}

func (c *stdioConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(c.cfg.Command, envSlice(c.cfg.Env), c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to start MCP subprocess: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to list MCP tools: %w", err)
	}

	discovered := make([]tools.Tool, 0, len(listResp.Tools))
	for _, remote := range listResp.Tools {
		discovered = append(discovered, &mcpTool{
			connector:   c,
			name:        remote.Name,
			description: remote.Description,
			parameters:  schemaToParameters(toSchemaMap(remote.InputSchema)),
		})
	}

	c.client = mcpClient
	c.toolList = discovered
	c.connected = true

	logger.Info("connected to MCP server",
		"server", c.cfg.Name,
		"transport", "stdio",
		"command", c.cfg.Command,
		"tools", len(discovered),
	)
	return nil
}

func (c *stdioConnector) ListTools(ctx context.Context) ([]tools.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("MCP server %q is not connected", c.cfg.Name)
	}
	return c.toolList, nil
}

func (c *stdioConnector) Call(ctx context.Context, name string, args map[string]interface{}) ([]byte, error) {
	c.mu.Lock()
	mcpClient := c.client
	c.mu.Unlock()
	if mcpClient == nil {
		return nil, agenterrors.Newf(agenterrors.KindToolError, "MCP server %q is not connected", c.cfg.Name)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindToolError,
			fmt.Sprintf("MCP call %s/%s failed", c.cfg.Name, name), err)
	}

	text := collectText(resp)
	if resp.IsError {
		message := text
		if message == "" {
			message = "unknown error"
		}
		return nil, agenterrors.Newf(agenterrors.KindToolError, "MCP tool %s reported: %s", name, message)
	}
	return []byte(text), nil
}

func (c *stdioConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.toolList = nil
	c.connected = false
	return err
}

// collectText joins the text blocks of a tool result.
func collectText(resp *mcpgo.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}
