package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	qwenOAuthTokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenOAuthClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDefaultHost   = "portal.qwen.ai"
)

// QwenExecutor serves the qwen-code provider: an OpenAI-compatible chat
// surface behind Qwen's OAuth device-flow tokens. The token response
// names the API host, persisted as providerSpecificData.resourceUrl.
type QwenExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

// NewQwenExecutor builds the qwen-code executor.
func NewQwenExecutor(reg *translator.Registry, proxyURL string) *QwenExecutor {
	return &QwenExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *QwenExecutor) Identifier() string { return "qwen-code" }

func (e *QwenExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return oauthNeedsRefresh(conn)
}

func (e *QwenExecutor) Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	if conn.RefreshToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "qwen-code connection has no refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {conn.RefreshToken},
		"client_id":     {qwenOAuthClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenOAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

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
		ResourceURL  string `json:"resource_url"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("qwen token refresh: %w", err)
	}
	if token.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "qwen token refresh returned no access token")
	}
	renewed := &store.ProviderConnection{
		AccessToken:          token.AccessToken,
		RefreshToken:         token.RefreshToken,
		TokenType:            token.TokenType,
		ProviderSpecificData: map[string]any{},
	}
	if token.ResourceURL != "" {
		renewed.ProviderSpecificData["resourceUrl"] = token.ResourceURL
	}
	if token.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		renewed.ExpiresAt = &expires
	}
	return renewed, nil
}

func (e *QwenExecutor) chatURL(conn *store.ProviderConnection) string {
	host := stringData(conn, "resourceUrl")
	if host == "" {
		host = qwenDefaultHost
	}
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	return strings.TrimSuffix(host, "/") + "/v1/chat/completions"
}

func (e *QwenExecutor) translate(req Request, opts Options, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, translator.FormatOpenAIChat, req.Model, bytes.Clone(req.Payload), stream)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	return body
}

func (e *QwenExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	}
}

func (e *QwenExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	if conn.AccessToken == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing qwen access token")
	}
	translated := e.translate(req, opts, false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.chatURL(conn), bytes.NewReader(translated))
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
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatOpenAIChat, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *QwenExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	if conn.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing qwen access token")
	}
	translated := e.translate(req, opts, true)
	ctx, cancel := streamContext(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.chatURL(conn), bytes.NewReader(translated))
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
		return e.reg.ResponseStream(opts.SourceFormat, translator.FormatOpenAIChat, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}
