package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiExecutor speaks the Generative Language API with plain API-key
// auth. The OAuth Cloud Code variants (gemini-cli, antigravity) live in
// GeminiCLIExecutor.
type GeminiExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

func NewGeminiExecutor(reg *translator.Registry, proxyURL string) *GeminiExecutor {
	return &GeminiExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *GeminiExecutor) Identifier() string { return "gemini" }

// NeedsRefresh is always false: the API key does not expire.
func (e *GeminiExecutor) NeedsRefresh(_ *store.ProviderConnection) bool { return false }

func (e *GeminiExecutor) Refresh(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
	return nil, nil
}

func (e *GeminiExecutor) baseURL(conn *store.ProviderConnection) string {
	if override := stringData(conn, "baseUrl"); override != "" {
		return strings.TrimSuffix(override, "/")
	}
	return geminiBaseURL
}

// translate converts the inbound payload to Gemini wire form. The model
// travels in the URL, so the body field is dropped.
func (e *GeminiExecutor) translate(req Request, opts Options, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, translator.FormatGemini, req.Model, bytes.Clone(req.Payload), stream)
	body, _ = sjson.DeleteBytes(body, "model")
	return body
}

func (e *GeminiExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-goog-api-key", conn.APIKey)
	if stream {
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("Cache-Control", "no-cache")
	}
}

func (e *GeminiExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	if conn.APIKey == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing gemini api key")
	}
	translated := e.translate(req, opts, false)

	url := fmt.Sprintf("%s/models/%s:generateContent", e.baseURL(conn), req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(translated))
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
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatGemini, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *GeminiExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	if conn.APIKey == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing gemini api key")
	}
	translated := e.translate(req, opts, true)
	ctx, cancel := streamContext(ctx)

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", e.baseURL(conn), req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(translated))
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
		log.Debugf("gemini executor: upstream status %d: %v", resp.StatusCode, err)
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk)
	var param any
	go forwardSSE(ctx, cancel, resp.Body, out, func(line []byte) []string {
		return e.reg.ResponseStream(opts.SourceFormat, translator.FormatGemini, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}
