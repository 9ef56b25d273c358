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

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	copilotBaseURL       = "https://api.githubcopilot.com"
	copilotTokenURL      = "https://api.github.com/copilot_internal/v2/token"
	githubOAuthTokenURL  = "https://github.com/login/oauth/access_token"
	githubCopilotClient  = "Iv1.b507a08c87ecfe98"
	codexRerouteSentence = "not accessible via the /chat/completions endpoint"
)

// CopilotExecutor talks to GitHub Copilot. It routes models between
// /chat/completions and /responses, learning which models GitHub only
// serves on /responses from the 400 it returns, and maintains the
// two-level token state: the long-lived GitHub OAuth token and the
// short-lived Copilot token minted from it.
type CopilotExecutor struct {
	reg      *translator.Registry
	runtime  *ProviderRuntime
	proxyURL string
}

// NewCopilotExecutor builds the GitHub executor.
func NewCopilotExecutor(reg *translator.Registry, runtime *ProviderRuntime, proxyURL string) *CopilotExecutor {
	return &CopilotExecutor{reg: reg, runtime: runtime, proxyURL: proxyURL}
}

func (e *CopilotExecutor) Identifier() string { return "github" }

// NeedsRefresh fires when the Copilot token is missing or within five
// minutes of expiry, or when the underlying GitHub token is stale.
func (e *CopilotExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	if oauthNeedsRefresh(conn) {
		return true
	}
	token := stringData(conn, "copilotToken")
	if token == "" {
		return true
	}
	expiresAt, ok := floatData(conn, "copilotTokenExpiresAt")
	if !ok {
		return true
	}
	return time.Until(time.Unix(int64(expiresAt), 0)) < copilotTokenRefresh
}

// Refresh renews the Copilot token, cascading a GitHub OAuth refresh
// first when the long-lived token itself is stale.
func (e *CopilotExecutor) Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	delta := &store.ProviderConnection{ProviderSpecificData: map[string]any{}}
	githubToken := conn.AccessToken

	if oauthNeedsRefresh(conn) && conn.RefreshToken != "" {
		renewed, err := e.refreshGitHubToken(ctx, conn)
		if err != nil {
			return nil, err
		}
		githubToken = renewed.AccessToken
		delta.AccessToken = renewed.AccessToken
		delta.RefreshToken = renewed.RefreshToken
		delta.ExpiresAt = renewed.ExpiresAt
	}
	if githubToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "github connection has no access token")
	}

	token, expiresAt, err := e.mintCopilotToken(ctx, githubToken)
	if err != nil {
		return nil, err
	}
	delta.ProviderSpecificData["copilotToken"] = token
	delta.ProviderSpecificData["copilotTokenExpiresAt"] = float64(expiresAt.Unix())
	e.runtime.SetCopilotToken(conn.ID, token, expiresAt)
	return delta, nil
}

func (e *CopilotExecutor) refreshGitHubToken(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	clientID := stringData(conn, "clientId")
	if clientID == "" {
		clientID = githubCopilotClient
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {conn.RefreshToken},
		"client_id":     {clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, githubOAuthTokenURL, strings.NewReader(form.Encode()))
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

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("github token refresh: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "github token refresh returned no access token")
	}
	renewed := &store.ProviderConnection{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		renewed.ExpiresAt = &expires
	}
	return renewed, nil
}

func (e *CopilotExecutor) mintCopilotToken(ctx context.Context, githubToken string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")

	resp, err := newHTTPClient(e.proxyURL, refreshTimeout).Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, drainError(resp)
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("copilot token mint: %w", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, NewStatusError(http.StatusUnauthorized, "copilot token endpoint returned no token")
	}
	return payload.Token, time.Unix(payload.ExpiresAt, 0), nil
}

func (e *CopilotExecutor) copilotToken(conn *store.ProviderConnection) string {
	if token, ok := e.runtime.CopilotToken(conn.ID); ok {
		return token
	}
	return stringData(conn, "copilotToken")
}

func (e *CopilotExecutor) setHeaders(r *http.Request, token string, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("Copilot-Integration-Id", "vscode-chat")
	r.Header.Set("Editor-Version", "vscode/1.99.0")
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	}
}

// routeWire returns the wire dialect and path for the model: /responses
// for models GitHub has rejected on chat, /chat/completions otherwise.
func (e *CopilotExecutor) routeWire(conn *store.ProviderConnection, model string) (translator.Format, string) {
	base := copilotBaseURL
	if override := stringData(conn, "baseUrl"); override != "" {
		base = strings.TrimSuffix(override, "/")
	}
	if e.runtime.IsCodexModel(model) {
		return translator.FormatOpenAIResponses, base + "/responses"
	}
	return translator.FormatOpenAIChat, base + "/chat/completions"
}

func (e *CopilotExecutor) translate(req Request, opts Options, wire translator.Format, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, wire, req.Model, bytes.Clone(req.Payload), stream)
	body = translator.SanitizeToolsForGitHub(body)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	return body
}

// isCodexReroute reports a 400 telling us the model only lives on
// /responses.
func isCodexReroute(err error) bool {
	return StatusCodeOf(err) == http.StatusBadRequest && strings.Contains(err.Error(), codexRerouteSentence)
}

func (e *CopilotExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	resp, err := e.executeOnce(ctx, conn, req, opts)
	if err != nil && isCodexReroute(err) {
		log.Infof("github executor: model %s rerouted to /responses", req.Model)
		e.runtime.MarkCodexModel(req.Model)
		return e.executeOnce(ctx, conn, req, opts)
	}
	return resp, err
}

func (e *CopilotExecutor) executeOnce(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	token := e.copilotToken(conn)
	if token == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing copilot token")
	}
	wire, endpoint := e.routeWire(conn, req.Model)
	translated := e.translate(req, opts, wire, false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(translated))
	if err != nil {
		return Response{}, err
	}
	e.setHeaders(httpReq, token, false)

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
	out := e.reg.ResponseNonStream(opts.SourceFormat, wire, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *CopilotExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	out, err := e.executeStreamOnce(ctx, conn, req, opts)
	if err != nil && isCodexReroute(err) {
		log.Infof("github executor: model %s rerouted to /responses", req.Model)
		e.runtime.MarkCodexModel(req.Model)
		return e.executeStreamOnce(ctx, conn, req, opts)
	}
	return out, err
}

func (e *CopilotExecutor) executeStreamOnce(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	token := e.copilotToken(conn)
	if token == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing copilot token")
	}
	wire, endpoint := e.routeWire(conn, req.Model)
	translated := e.translate(req, opts, wire, true)
	ctx, cancel := streamContext(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(translated))
	if err != nil {
		cancel()
		return nil, err
	}
	e.setHeaders(httpReq, token, true)

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
		return e.reg.ResponseStream(opts.SourceFormat, wire, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}
