package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/httpclient"
	"github.com/loomworks/loom/logger"
)

// ============================================================================
// OAUTH (authorization-code with loopback redirect)
// ============================================================================

const (
	oauthCallbackPath = "/callback"
	oauthWaitTimeout  = 3 * time.Minute
)

// openAuthURL surfaces the authorization URL to the user. Tests replace it
// to drive the flow programmatically.
var openAuthURL = func(authURL string) {
	logger.Info("authorization required, open this URL in a browser", "url", authURL)
}

// authorizeLoopback runs the OAuth 2.0 authorization-code flow: it binds a
// loopback redirect listener on an unused port, sends the user to the
// provider's authorization URL, waits for the code callback, and exchanges
// the code for an access token.
func authorizeLoopback(ctx context.Context, cfg config.MCPOAuthConfig) (string, error) {
	listener, port, err := listenLoopback()
	if err != nil {
		return "", err
	}
	defer func() { _ = listener.Close() }()

	state := uuid.NewString()
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d%s", port, oauthCallbackPath)

	type callback struct {
		code string
		err  error
	}
	callbacks := make(chan callback, 1)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != oauthCallbackPath {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query()
		if errCode := query.Get("error"); errCode != "" {
			http.Error(w, "authorization failed", http.StatusBadRequest)
			callbacks <- callback{err: fmt.Errorf("authorization denied: %s", errCode)}
			return
		}
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			callbacks <- callback{err: fmt.Errorf("authorization state mismatch")}
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			callbacks <- callback{err: fmt.Errorf("authorization response missing code")}
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>Authorization complete. You may close this window.</body></html>"))
		callbacks <- callback{code: code}
	})}
	go func() { _ = server.Serve(listener) }()
	defer func() { _ = server.Close() }()

	authValues := url.Values{
		"response_type": {"code"},
		"client_id":     {cfg.ClientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
	}
	if len(cfg.Scopes) > 0 {
		authValues.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	openAuthURL(cfg.AuthURL + "?" + authValues.Encode())

	var code string
	select {
	case cb := <-callbacks:
		if cb.err != nil {
			return "", cb.err
		}
		code = cb.code
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(oauthWaitTimeout):
		return "", fmt.Errorf("timed out waiting for authorization after %v", oauthWaitTimeout)
	}

	return exchangeCode(ctx, cfg, code, redirectURI)
}

// listenLoopback binds 127.0.0.1 on an unused non-privileged port.
func listenLoopback() (net.Listener, int, error) {
	for attempt := 0; attempt < 5; attempt++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, 0, fmt.Errorf("failed to bind loopback listener: %w", err)
		}
		port := listener.Addr().(*net.TCPAddr).Port
		if port >= 1024 {
			return listener, port, nil
		}
		_ = listener.Close()
	}
	return nil, 0, fmt.Errorf("could not bind a non-privileged loopback port")
}

// exchangeCode trades the authorization code for an access token.
func exchangeCode(ctx context.Context, cfg config.MCPOAuthConfig, code, redirectURI string) (string, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpclient.New().Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access_token")
	}
	return token.AccessToken, nil
}
