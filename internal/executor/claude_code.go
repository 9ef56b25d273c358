package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	claudeAPIBase       = "https://api.anthropic.com/v1"
	claudeOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	claudeOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeOAuthBetaFlag = "oauth-2025-04-20"
	claudeVersionHeader = "2023-06-01"
)

// ClaudeCodeExecutor serves the claude-code provider: Anthropic's
// Messages API authenticated with a Claude Code OAuth token instead of an
// API key.
type ClaudeCodeExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

// NewClaudeCodeExecutor builds the claude-code executor.
func NewClaudeCodeExecutor(reg *translator.Registry, proxyURL string) *ClaudeCodeExecutor {
	return &ClaudeCodeExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *ClaudeCodeExecutor) Identifier() string { return "claude-code" }

func (e *ClaudeCodeExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return oauthNeedsRefresh(conn)
}

func (e *ClaudeCodeExecutor) Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	if conn.RefreshToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "claude-code connection has no refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": conn.RefreshToken,
		"client_id":     claudeOAuthClientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeOAuthTokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := newHTTPClient(e.proxyURL, refreshTimeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("claude-code token refresh: %w", err)
	}
	if token.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "claude-code token refresh returned no access token")
	}
	renewed := &store.ProviderConnection{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if token.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		renewed.ExpiresAt = &expires
	}
	return renewed, nil
}

func (e *ClaudeCodeExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	r.Header.Set("Anthropic-Version", claudeVersionHeader)
	r.Header.Set("Anthropic-Beta", claudeOAuthBetaFlag)
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	}
}

func (e *ClaudeCodeExecutor) translate(req Request, opts Options, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, translator.FormatClaude, req.Model, bytes.Clone(req.Payload), stream)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	return body
}

func (e *ClaudeCodeExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	if conn.AccessToken == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing claude-code access token")
	}
	translated := e.translate(req, opts, false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeAPIBase+"/messages", bytes.NewReader(translated))
	if err != nil {
		return Response{}, err
	}
	e.setHeaders(httpReq, conn, false)

	resp, err := newHTTPClient(e.proxyURL, nonStreamTimeout).Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, drainError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	var param any
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatClaude, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *ClaudeCodeExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	if conn.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing claude-code access token")
	}
	translated := e.translate(req, opts, true)
	ctx, cancel := streamContext(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeAPIBase+"/messages", bytes.NewReader(translated))
	if err != nil {
		cancel()
		return nil, err
	}
	e.setHeaders(httpReq, conn, true)

	resp, err := newHTTPClient(e.proxyURL, 0).Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		cancel()
		return nil, drainError(resp)
	}

	out := make(chan StreamChunk)
	var param any
	go forwardSSE(ctx, cancel, resp.Body, out, func(line []byte) []string {
		return e.reg.ResponseStream(opts.SourceFormat, translator.FormatClaude, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}
