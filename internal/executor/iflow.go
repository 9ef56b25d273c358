package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	iflowBaseURL   = "https://apis.iflow.cn/v1"
	iflowUserAgent = "iflow-cli/0.2.0"
)

// IFlowExecutor serves the iflow provider: OpenAI-compatible chat with a
// per-request HMAC signature over user agent, session id, and timestamp.
type IFlowExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

// NewIFlowExecutor builds the iflow executor.
func NewIFlowExecutor(reg *translator.Registry, proxyURL string) *IFlowExecutor {
	return &IFlowExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *IFlowExecutor) Identifier() string { return "iflow" }

func (e *IFlowExecutor) NeedsRefresh(_ *store.ProviderConnection) bool { return false }

func (e *IFlowExecutor) Refresh(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
	return nil, nil
}

// signRequest computes the x-iflow-signature value for one request:
// hex(HMAC-SHA256("{userAgent}:{sessionId}:{timestampMs}", apiKey)).
func signRequest(apiKey, userAgent, sessionID string, timestampMs int64) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	fmt.Fprintf(mac, "%s:%s:%d", userAgent, sessionID, timestampMs)
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *IFlowExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	sessionID := uuid.NewString()
	timestampMs := time.Now().UnixMilli()

	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+conn.APIKey)
	r.Header.Set("User-Agent", iflowUserAgent)
	r.Header.Set("x-session-id", sessionID)
	r.Header.Set("x-timestamp", fmt.Sprintf("%d", timestampMs))
	r.Header.Set("x-iflow-signature", signRequest(conn.APIKey, iflowUserAgent, sessionID, timestampMs))
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	}
}

func (e *IFlowExecutor) translate(req Request, opts Options, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, translator.FormatOpenAIChat, req.Model, bytes.Clone(req.Payload), stream)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	return body
}

func (e *IFlowExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	if conn.APIKey == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing iflow api key")
	}
	translated := e.translate(req, opts, false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, iflowBaseURL+"/chat/completions", bytes.NewReader(translated))
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

func (e *IFlowExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	if conn.APIKey == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing iflow api key")
	}
	translated := e.translate(req, opts, true)
	ctx, cancel := streamContext(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, iflowBaseURL+"/chat/completions", bytes.NewReader(translated))
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
