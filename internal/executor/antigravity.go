package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	codeAssistEndpoint = "https://cloudcode-pa.googleapis.com"
	codeAssistVersion  = "v1internal"

	googleOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	googleOAuthClientSecret = "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"

	onboardAttempts   = 5
	onboardRetryDelay = 2 * time.Second
	onboardTimeout    = 30 * time.Second
)

// GeminiCLIExecutor talks to the Cloud Code Assist backend, which serves
// both the Gemini CLI and Antigravity provider tags. Every call is bound
// to a real Google project ID resolved via loadCodeAssist/onboardUser and
// cached per connection in the provider runtime.
type GeminiCLIExecutor struct {
	provider string
	reg      *translator.Registry
	runtime  *ProviderRuntime
	proxyURL string
}

// NewGeminiCLIExecutor builds the executor for one of the two Cloud Code
// provider tags ("gemini-cli" or "antigravity").
func NewGeminiCLIExecutor(provider string, reg *translator.Registry, runtime *ProviderRuntime, proxyURL string) *GeminiCLIExecutor {
	return &GeminiCLIExecutor{provider: provider, reg: reg, runtime: runtime, proxyURL: proxyURL}
}

func (e *GeminiCLIExecutor) Identifier() string { return e.provider }

func (e *GeminiCLIExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return oauthNeedsRefresh(conn)
}

// Refresh renews the Google OAuth token through the standard endpoint.
func (e *GeminiCLIExecutor) Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	if conn.RefreshToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, e.provider+" connection has no refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, newHTTPClient(e.proxyURL, refreshTimeout))

	conf := &oauth2.Config{
		ClientID:     googleOAuthClientID,
		ClientSecret: googleOAuthClientSecret,
		Endpoint:     google.Endpoint,
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%s token refresh: %w", e.provider, err)
	}

	renewed := &store.ProviderConnection{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		renewed.ExpiresAt = &expiry
	}
	return renewed, nil
}

// projectID resolves the Google project for the connection, preferring
// the persisted binding, then the runtime cache, then a fresh onboard.
func (e *GeminiCLIExecutor) projectID(ctx context.Context, conn *store.ProviderConnection) (string, error) {
	if conn.ProjectID != "" {
		return conn.ProjectID, nil
	}
	return e.runtime.ProjectID(ctx, conn.ID, func(fetchCtx context.Context) (string, error) {
		return e.onboard(fetchCtx, conn)
	})
}

// onboard calls loadCodeAssist and, when no project comes back, polls
// onboardUser until the operation completes.
func (e *GeminiCLIExecutor) onboard(ctx context.Context, conn *store.ProviderConnection) (string, error) {
	loadBody := []byte(`{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)
	loaded, err := e.codeAssistCall(ctx, conn, "loadCodeAssist", loadBody)
	if err != nil {
		return "", err
	}
	if project := gjson.GetBytes(loaded, "cloudaicompanionProject").String(); project != "" {
		return project, nil
	}

	tierID := gjson.GetBytes(loaded, "currentTier.id").String()
	if tierID == "" {
		tierID = "free-tier"
	}
	onboardBody, _ := json.Marshal(map[string]any{
		"tierId":   tierID,
		"metadata": map[string]string{"ideType": "IDE_UNSPECIFIED", "platform": "PLATFORM_UNSPECIFIED", "pluginType": "GEMINI"},
	})

	for attempt := 0; attempt < onboardAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(onboardRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		result, callErr := e.codeAssistCall(ctx, conn, "onboardUser", onboardBody)
		if callErr != nil {
			return "", callErr
		}
		if !gjson.GetBytes(result, "done").Bool() {
			continue
		}
		if project := gjson.GetBytes(result, "response.cloudaicompanionProject.id").String(); project != "" {
			return project, nil
		}
		return "", NewStatusError(http.StatusBadGateway, "onboardUser completed without a project id")
	}
	return "", NewStatusError(http.StatusBadGateway, "onboardUser did not complete")
}

func (e *GeminiCLIExecutor) codeAssistCall(ctx context.Context, conn *store.ProviderConnection, action string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, onboardTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s:%s", codeAssistEndpoint, codeAssistVersion, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	e.setHeaders(req, conn, false)

	resp, err := newHTTPClient(e.proxyURL, onboardTimeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (e *GeminiCLIExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	r.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
	r.Header.Set("X-Goog-Api-Client", "gl-node/22.0.0")
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	} else {
		r.Header.Set("Accept", "application/json")
	}
}

// wrapRequest shapes the Cloud Code envelope: the bare Gemini request
// nested under "request" next to the project binding and model.
func (e *GeminiCLIExecutor) wrapRequest(req Request, opts Options, projectID string, stream bool) []byte {
	inner := e.reg.Request(opts.SourceFormat, translator.FormatGemini, req.Model, bytes.Clone(req.Payload), stream)
	inner, _ = sjson.DeleteBytes(inner, "model")

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "project", projectID)
	body, _ = sjson.SetRawBytes(body, "request", inner)
	return body
}

func (e *GeminiCLIExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	if conn.AccessToken == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing google access token")
	}
	projectID, err := e.projectID(ctx, conn)
	if err != nil {
		return Response{}, err
	}
	payload := e.wrapRequest(req, opts, projectID, false)

	url := fmt.Sprintf("%s/%s:generateContent", codeAssistEndpoint, codeAssistVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
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

	// Cloud Code nests the Gemini response under "response".
	if nested := gjson.GetBytes(body, "response"); nested.Exists() {
		body = []byte(nested.Raw)
	}
	var param any
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatGemini, ctx, req.Model, bytes.Clone(opts.OriginalRequest), payload, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *GeminiCLIExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	if conn.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing google access token")
	}
	projectID, err := e.projectID(ctx, conn)
	if err != nil {
		return nil, err
	}
	payload := e.wrapRequest(req, opts, projectID, true)
	ctx, cancel := streamContext(ctx)

	url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", codeAssistEndpoint, codeAssistVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
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
		err = drainError(resp)
		log.Debugf("%s executor: upstream status %d: %v", e.provider, resp.StatusCode, err)
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk)
	var param any
	go forwardSSE(ctx, cancel, resp.Body, out, func(line []byte) []string {
		line = unwrapCloudCodeLine(line)
		return e.reg.ResponseStream(opts.SourceFormat, translator.FormatGemini, ctx, req.Model, bytes.Clone(opts.OriginalRequest), payload, line, &param)
	})
	return out, nil
}

// unwrapCloudCodeLine strips the {"response": ...} envelope from a
// streamed Cloud Code SSE line, leaving a bare Gemini chunk.
func unwrapCloudCodeLine(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return line
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if nested := gjson.GetBytes(payload, "response"); nested.Exists() {
		return []byte("data: " + nested.Raw)
	}
	return line
}
