package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/streaming"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	codexBaseURL      = "https://chatgpt.com/backend-api/codex"
	codexOAuthToken   = "https://auth.openai.com/oauth/token"
	codexOAuthClient  = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexInstructions = "You are a coding assistant. Answer precisely and keep edits minimal."
)

// Parameters the Codex backend rejects outright.
var codexDisallowedParams = []string{
	"temperature", "top_p", "frequency_penalty", "presence_penalty", "n",
	"seed", "max_tokens", "user", "metadata", "stream_options",
	"prompt_cache_retention", "safety_identifier", "logprobs", "top_logprobs",
}

// Model-name suffixes mapped to reasoning effort.
var codexEffortSuffixes = []struct {
	suffix string
	effort string
}{
	{"-xhigh", "xhigh"},
	{"-medium", "medium"},
	{"-high", "high"},
	{"-low", "low"},
}

// CodexExecutor drives the ChatGPT Codex backend, which speaks the OpenAI
// Responses dialect and only streams. Non-streaming callers get the
// stream collapsed into a single Responses envelope.
type CodexExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

// NewCodexExecutor builds the Codex executor.
func NewCodexExecutor(reg *translator.Registry, proxyURL string) *CodexExecutor {
	return &CodexExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *CodexExecutor) Identifier() string { return "codex" }

func (e *CodexExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return oauthNeedsRefresh(conn)
}

// Refresh renews the ChatGPT OAuth token through the standard refresh
// grant.
func (e *CodexExecutor) Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	if conn.RefreshToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "codex connection has no refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {conn.RefreshToken},
		"client_id":     {codexOAuthClient},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, codexOAuthToken, strings.NewReader(form.Encode()))
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
		IDToken      string `json:"id_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("codex token refresh: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "codex token refresh returned no access token")
	}
	renewed := &store.ProviderConnection{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
	}
	if payload.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		renewed.ExpiresAt = &expires
	}
	return renewed, nil
}

// splitEffort strips a reasoning-effort suffix from the model name.
func splitEffort(model string) (string, string) {
	for _, entry := range codexEffortSuffixes {
		if strings.HasSuffix(model, entry.suffix) {
			return strings.TrimSuffix(model, entry.suffix), entry.effort
		}
	}
	return model, ""
}

// transformRequest shapes the body for the Codex backend: Responses
// dialect, forced streaming, no server-side storage, and only the
// parameters the backend accepts.
func (e *CodexExecutor) transformRequest(req Request, opts Options) ([]byte, string) {
	body := e.reg.Request(opts.SourceFormat, translator.FormatOpenAIResponses, req.Model, bytes.Clone(req.Payload), true)

	model, effort := splitEffort(req.Model)
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "stream", true)
	body, _ = sjson.SetBytes(body, "store", false)

	if !gjson.GetBytes(body, "instructions").Exists() {
		body, _ = sjson.SetBytes(body, "instructions", codexInstructions)
	}
	if input := gjson.GetBytes(body, "input"); input.Type == gjson.String {
		body, _ = sjson.DeleteBytes(body, "input")
		body, _ = sjson.SetRawBytes(body, "input", []byte(fmt.Sprintf(
			`[{"type":"message","role":"user","content":[{"type":"input_text","text":%q}]}]`, input.String())))
	}
	for _, param := range codexDisallowedParams {
		body, _ = sjson.DeleteBytes(body, param)
	}
	if effort != "" {
		body, _ = sjson.SetBytes(body, "reasoning.effort", effort)
	}
	if effort != "none" {
		body, _ = sjson.SetRawBytes(body, "include", []byte(`["reasoning.encrypted_content"]`))
	}
	return body, model
}

func (e *CodexExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Originator", "codex_cli_rs")
	r.Header.Set("Session_id", uuid.NewString())
	if accountID := stringData(conn, "accountId"); accountID != "" {
		r.Header.Set("Chatgpt-Account-Id", accountID)
	}
}

func (e *CodexExecutor) open(ctx context.Context, conn *store.ProviderConnection, translated []byte) (*http.Response, error) {
	if conn.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing codex access token")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, codexBaseURL+"/responses", bytes.NewReader(translated))
	if err != nil {
		return nil, err
	}
	e.setHeaders(httpReq, conn)

	resp, err := newHTTPClient(e.proxyURL, 0).Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, drainError(resp)
	}
	return resp, nil
}

// Execute collapses the forced upstream stream into one Responses
// envelope, then translates it back into the caller's dialect.
func (e *CodexExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	translated, model := e.transformRequest(req, opts)
	resp, err := e.open(ctx, conn, translated)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	collector := streaming.NewResponsesCollector()
	scanner := streaming.NewLineScanner(resp.Body)
	for scanner.Scan() {
		collector.Feed(scanner.Bytes())
	}
	if err = scanner.Err(); err != nil {
		return Response{}, err
	}

	envelope := collector.Result()
	var param any
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatOpenAIResponses, ctx, model, bytes.Clone(opts.OriginalRequest), translated, envelope, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *CodexExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	translated, model := e.transformRequest(req, opts)
	ctx, cancel := streamContext(ctx)
	resp, err := e.open(ctx, conn, translated)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk)
	var param any
	go forwardSSE(ctx, cancel, resp.Body, out, func(line []byte) []string {
		return e.reg.ResponseStream(opts.SourceFormat, translator.FormatOpenAIResponses, ctx, model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}
