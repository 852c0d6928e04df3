package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/httpclient"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/tools"
)

// ============================================================================
// HTTP TRANSPORTS (streamable_http, sse)
// ============================================================================

// httpConnector speaks JSON-RPC 2.0 over HTTP. Servers may answer a request
// with a plain JSON body or a short server-sent event stream; both carry one
// JSON-RPC response. Streamable HTTP servers assign a session through the
// mcp-session-id header, which is echoed on every subsequent request.
type httpConnector struct {
	cfg        config.MCPServerConfig
	http       *httpclient.Client
	sseTimeout time.Duration

	requestID atomic.Int64
	authToken atomic.Pointer[string]

	sessionMu sync.RWMutex
	sessionID string

	mu        sync.Mutex
	toolList  []tools.Tool
	connected bool
}

func newHTTPConnector(cfg config.MCPServerConfig) (*httpConnector, error) {
	return &httpConnector{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		sseTimeout: time.Duration(cfg.SSETimeoutS) * time.Second,
	}, nil
}

func (c *httpConnector) Name() string {
	return c.cfg.Name
}

func (c *httpConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if err := c.authenticate(ctx); err != nil {
		return err
	}

	initResp, err := c.rpc(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP initialize error: %s", initResp.Error.Message)
	}

	listResp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list MCP tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP tools/list error: %s", listResp.Error.Message)
	}

	discovered, err := c.parseToolList(listResp.Result)
	if err != nil {
		return err
	}

	c.toolList = discovered
	c.connected = true

	logger.Info("connected to MCP server",
		"server", c.cfg.Name,
		"transport", c.cfg.Transport,
		"url", c.cfg.URL,
		"tools", len(discovered),
	)
	return nil
}

// authenticate resolves the bearer token for the configured auth mode.
func (c *httpConnector) authenticate(ctx context.Context) error {
	switch c.cfg.Auth.Type {
	case "", "none":
		return nil
	case "bearer":
		token := c.cfg.Auth.Token
		c.authToken.Store(&token)
		return nil
	case "oauth":
		token, err := authorizeLoopback(ctx, c.cfg.Auth.OAuth)
		if err != nil {
			return fmt.Errorf("oauth authorization for %q failed: %w", c.cfg.Name, err)
		}
		c.authToken.Store(&token)
		return nil
	default:
		return fmt.Errorf("unsupported auth type %q", c.cfg.Auth.Type)
	}
}

func (c *httpConnector) parseToolList(result interface{}) ([]tools.Tool, error) {
	resultMap, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result from %q", c.cfg.Name)
	}
	rawTools, ok := resultMap["tools"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("tools/list response from %q has no tools array", c.cfg.Name)
	}

	discovered := make([]tools.Tool, 0, len(rawTools))
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		description, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]interface{})

		discovered = append(discovered, &mcpTool{
			connector:   c,
			name:        name,
			description: description,
			parameters:  schemaToParameters(schema),
		})
	}
	return discovered, nil
}

func (c *httpConnector) ListTools(ctx context.Context) ([]tools.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("MCP server %q is not connected", c.cfg.Name)
	}
	return c.toolList, nil
}

func (c *httpConnector) Call(ctx context.Context, name string, args map[string]interface{}) ([]byte, error) {
	resp, err := c.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindToolError,
			fmt.Sprintf("MCP call %s/%s failed", c.cfg.Name, name), err)
	}
	if resp.Error != nil {
		return nil, agenterrors.Newf(agenterrors.KindToolError,
			"MCP tool %s failed: %s", name, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		encoded, _ := json.Marshal(resp.Result)
		return encoded, nil
	}

	text := collectTextRaw(resultMap["content"])
	if isError, _ := resultMap["isError"].(bool); isError {
		message := text
		if message == "" {
			message = "unknown error"
		}
		return nil, agenterrors.Newf(agenterrors.KindToolError, "MCP tool %s reported: %s", name, message)
	}
	return []byte(text), nil
}

func (c *httpConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolList = nil
	c.connected = false
	return nil
}

// ============================================================================
// JSON-RPC PLUMBING
// ============================================================================

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *httpConnector) rpc(ctx context.Context, method string, params interface{}) (*jsonRPCResponse, error) {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	if token := c.authToken.Load(); token != nil && *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if newSession := resp.Header.Get("mcp-session-id"); newSession != "" {
		c.sessionMu.Lock()
		c.sessionID = newSession
		c.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, method, strings.TrimSpace(string(body)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.readSSEResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream. Data lines accumulate until a blank line terminates the event.
func (c *httpConnector) readSSEResponse(resp *http.Response) (*jsonRPCResponse, error) {
	type outcome struct {
		response *jsonRPCResponse
		err      error
	}
	results := make(chan outcome, 1)

	go func() {
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var rpcResp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &rpcResp); err != nil {
				data.Reset()
				return nil
			}
			return &rpcResp
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if rpcResp := flush(); rpcResp != nil {
					results <- outcome{response: rpcResp}
					return
				}
				if err == io.EOF {
					results <- outcome{err: fmt.Errorf("SSE stream ended without a complete message")}
				} else {
					results <- outcome{err: fmt.Errorf("SSE read failed: %w", err)}
				}
				return
			}

			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				if rpcResp := flush(); rpcResp != nil {
					results <- outcome{response: rpcResp}
					return
				}
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}
	}()

	select {
	case res := <-results:
		return res.response, res.err
	case <-time.After(c.sseTimeout):
		return nil, fmt.Errorf("timed out reading SSE response after %v", c.sseTimeout)
	}
}

// collectTextRaw joins text blocks from a decoded content array.
func collectTextRaw(content interface{}) string {
	blocks, ok := content.([]interface{})
	if !ok {
		return ""
	}
	var texts []string
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}
