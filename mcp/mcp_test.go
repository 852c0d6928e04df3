package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/tools"
)

// fakeMCPServer speaks enough JSON-RPC to initialize, list tools, and
// answer calls.
type fakeMCPServer struct {
	t           *testing.T
	sseReplies  bool
	wantBearer  string
	callCount   atomic.Int32
	lastSession atomic.Pointer[string]
}

func (s *fakeMCPServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.wantBearer != "" {
			if got := r.Header.Get("Authorization"); got != "Bearer "+s.wantBearer {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if session := r.Header.Get("mcp-session-id"); session != "" {
			s.lastSession.Store(&session)
		}

		var req jsonRPCRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "session-abc")
			result = map[string]interface{}{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []interface{}{
					map[string]interface{}{
						"name":        "get_weather",
						"description": "Fetch the weather for a city",
						"inputSchema": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"city":  map[string]interface{}{"type": "string", "description": "City name"},
								"units": map[string]interface{}{"type": "string", "enum": []interface{}{"metric", "imperial"}},
							},
							"required": []interface{}{"city"},
						},
					},
				},
			}
		case "tools/call":
			s.callCount.Add(1)
			params := req.Params.(map[string]interface{})
			if params["name"] == "explode" {
				result = map[string]interface{}{
					"isError": true,
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": "remote failure"},
					},
				}
			} else {
				args := params["arguments"].(map[string]interface{})
				result = map[string]interface{}{
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": fmt.Sprintf("weather in %v: sunny", args["city"])},
					},
				}
			}
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}

		payload, err := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
		require.NoError(s.t, err)

		if s.sseReplies {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

func newHTTPTestConnector(t *testing.T, serverURL, transport string, auth config.MCPAuthConfig) *httpConnector {
	t.Helper()
	cfg := config.MCPServerConfig{
		Name:      "weather",
		Transport: transport,
		URL:       serverURL,
		Auth:      auth,
	}
	cfg.SetDefaults()
	connector, err := newHTTPConnector(cfg)
	require.NoError(t, err)
	return connector
}

func TestHTTPConnector(t *testing.T) {
	fake := &fakeMCPServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	connector := newHTTPTestConnector(t, server.URL, "streamable_http", config.MCPAuthConfig{Type: "none"})
	ctx := context.Background()
	require.NoError(t, connector.Connect(ctx))
	defer func() { _ = connector.Close() }()

	discovered, err := connector.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, discovered, 1)

	desc := discovered[0].Descriptor()
	assert.Equal(t, "get_weather", desc.Name)
	assert.Equal(t, tools.KindMCP, desc.Kind)
	assert.Equal(t, "weather", desc.ServerName)
	require.Len(t, desc.Parameters, 2)
	assert.Equal(t, "city", desc.Parameters[0].Name)
	assert.True(t, desc.Parameters[0].Required)
	assert.Equal(t, "enum", desc.Parameters[1].Type)
	assert.Equal(t, []string{"metric", "imperial"}, desc.Parameters[1].Enum)

	result, err := discovered[0].Execute(ctx, map[string]interface{}{"city": "Oslo"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "weather in Oslo: sunny", result.Content)

	// The session assigned at initialize is echoed on later requests.
	session := fake.lastSession.Load()
	require.NotNil(t, session)
	assert.Equal(t, "session-abc", *session)
}

func TestHTTPConnectorSSEResponses(t *testing.T) {
	fake := &fakeMCPServer{t: t, sseReplies: true}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	connector := newHTTPTestConnector(t, server.URL, "sse", config.MCPAuthConfig{Type: "none"})
	ctx := context.Background()
	require.NoError(t, connector.Connect(ctx))
	defer func() { _ = connector.Close() }()

	content, err := connector.Call(ctx, "get_weather", map[string]interface{}{"city": "Lima"})
	require.NoError(t, err)
	assert.Equal(t, "weather in Lima: sunny", string(content))
}

func TestHTTPConnectorBearerAuth(t *testing.T) {
	fake := &fakeMCPServer{t: t, wantBearer: "secret-token"}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	t.Run("with token", func(t *testing.T) {
		connector := newHTTPTestConnector(t, server.URL, "streamable_http",
			config.MCPAuthConfig{Type: "bearer", Token: "secret-token"})
		require.NoError(t, connector.Connect(context.Background()))
		_ = connector.Close()
	})

	t.Run("without token", func(t *testing.T) {
		connector := newHTTPTestConnector(t, server.URL, "streamable_http", config.MCPAuthConfig{Type: "none"})
		err := connector.Connect(context.Background())
		require.Error(t, err)
	})
}

func TestHTTPConnectorToolError(t *testing.T) {
	fake := &fakeMCPServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	connector := newHTTPTestConnector(t, server.URL, "streamable_http", config.MCPAuthConfig{Type: "none"})
	ctx := context.Background()
	require.NoError(t, connector.Connect(ctx))
	defer func() { _ = connector.Close() }()

	_, err := connector.Call(ctx, "explode", nil)
	require.Error(t, err)
	assert.True(t, agenterrors.IsKind(err, agenterrors.KindToolError))
	assert.Contains(t, err.Error(), "remote failure")
}

func TestSchemaToParameters(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "what to search"},
			"count": map[string]interface{}{"type": "integer", "default": float64(10)},
			"exact": map[string]interface{}{"type": "boolean"},
			"tags":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []interface{}{"query"},
	}

	params := schemaToParameters(schema)
	require.Len(t, params, 4)

	// Sorted by name.
	assert.Equal(t, "count", params[0].Name)
	assert.Equal(t, "int", params[0].Type)
	assert.Equal(t, float64(10), params[0].Default)

	assert.Equal(t, "exact", params[1].Name)
	assert.Equal(t, "bool", params[1].Type)

	assert.Equal(t, "query", params[2].Name)
	assert.True(t, params[2].Required)
	assert.Equal(t, "what to search", params[2].Description)

	assert.Equal(t, "tags", params[3].Name)
	assert.Equal(t, "array<string>", params[3].Type)

	assert.Nil(t, schemaToParameters(nil))
	assert.Nil(t, schemaToParameters(map[string]interface{}{"type": "object"}))
}

func TestAuthorizeLoopback(t *testing.T) {
	// Fake identity provider: the authorize endpoint bounces straight back
	// to the loopback redirect with a code, the token endpoint validates
	// the exchange.
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		redirect, err := url.Parse(q.Get("redirect_uri"))
		require.NoError(t, err)
		values := redirect.Query()
		values.Set("code", "code-777")
		values.Set("state", q.Get("state"))
		redirect.RawQuery = values.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "code-777", r.Form.Get("code"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-xyz","token_type":"Bearer","expires_in":3600}`))
	})
	idp := httptest.NewServer(mux)
	defer idp.Close()

	// Simulate the user's browser following the authorization URL.
	previous := openAuthURL
	openAuthURL = func(authURL string) {
		go func() {
			resp, err := http.Get(authURL)
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
	}
	defer func() { openAuthURL = previous }()

	token, err := authorizeLoopback(context.Background(), config.MCPOAuthConfig{
		ClientID: "client-1",
		AuthURL:  idp.URL + "/authorize",
		TokenURL: idp.URL + "/token",
		Scopes:   []string{"tools.read"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-xyz", token)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.MCPServerConfig{Name: "broken", Transport: "carrier-pigeon", URL: "http://x"})
	require.Error(t, err)

	_, err = New(config.MCPServerConfig{Transport: "stdio", Command: "server"})
	require.Error(t, err) // name is required
}

func TestConnectAllFailureClosesEarlier(t *testing.T) {
	fake := &fakeMCPServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	configs := []config.MCPServerConfig{
		{Name: "good", Transport: "streamable_http", URL: server.URL},
		{Name: "bad", Transport: "streamable_http", URL: "http://127.0.0.1:1"},
	}
	_, _, err := ConnectAll(context.Background(), configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
}
