package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

// Built-in base URLs for the OpenAI-style providers. Connections may
// override through providerSpecificData.baseUrl.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"anthropic":  "https://api.anthropic.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"glm":        "https://open.bigmodel.cn/api/paas/v4",
	"kimi":       "https://api.moonshot.cn/v1",
	"minimax":    "https://api.minimax.io/v1",
}

// DefaultExecutor serves every provider that speaks an OpenAI- or
// Anthropic-shaped REST API with plain API-key auth: the named providers
// above plus the openai-compatible-* and anthropic-compatible-* families.
type DefaultExecutor struct {
	provider string
	wire     translator.Format
	reg      *translator.Registry
	proxyURL string
}

// NewDefaultExecutor binds the executor to one provider tag.
func NewDefaultExecutor(provider string, reg *translator.Registry, proxyURL string) *DefaultExecutor {
	wire := translator.FormatOpenAIChat
	if provider == "anthropic" || strings.HasPrefix(provider, "anthropic-compatible-") {
		wire = translator.FormatClaude
	}
	return &DefaultExecutor{provider: provider, wire: wire, reg: reg, proxyURL: proxyURL}
}

func (e *DefaultExecutor) Identifier() string { return e.provider }

// NeedsRefresh is always false: API-key providers carry no expiring token.
func (e *DefaultExecutor) NeedsRefresh(_ *store.ProviderConnection) bool { return false }

// Refresh is a no-op for API-key providers.
func (e *DefaultExecutor) Refresh(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
	return nil, nil
}

func (e *DefaultExecutor) baseURL(conn *store.ProviderConnection) string {
	if override := stringData(conn, "baseUrl"); override != "" {
		return strings.TrimSuffix(override, "/")
	}
	return defaultBaseURLs[e.provider]
}

func (e *DefaultExecutor) chatURL(conn *store.ProviderConnection) string {
	if e.wire == translator.FormatClaude {
		return e.baseURL(conn) + "/messages"
	}
	return e.baseURL(conn) + "/chat/completions"
}

func (e *DefaultExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	if e.wire == translator.FormatClaude {
		r.Header.Set("x-api-key", conn.APIKey)
		r.Header.Set("Anthropic-Version", "2023-06-01")
	} else {
		r.Header.Set("Authorization", "Bearer "+conn.APIKey)
	}
	if e.provider == "openrouter" {
		r.Header.Set("HTTP-Referer", "https://github.com/involvex/involvex-claude-router")
		r.Header.Set("X-Title", "involvex-claude-router")
	}
	if stream {
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("Cache-Control", "no-cache")
	}
}

func (e *DefaultExecutor) translate(req Request, opts Options, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, e.wire, req.Model, bytes.Clone(req.Payload), stream)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	return body
}

func (e *DefaultExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	url := e.chatURL(conn)
	if url == "" || conn.APIKey == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing provider baseUrl or apiKey")
	}
	translated := e.translate(req, opts, false)

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
	out := e.reg.ResponseNonStream(opts.SourceFormat, e.wire, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *DefaultExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	url := e.chatURL(conn)
	if url == "" || conn.APIKey == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing provider baseUrl or apiKey")
	}
	translated := e.translate(req, opts, true)
	ctx, cancel := streamContext(ctx)

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
		log.Debugf("%s executor: upstream status %d: %v", e.provider, resp.StatusCode, err)
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk)
	var param any
	go forwardSSE(ctx, cancel, resp.Body, out, func(line []byte) []string {
		return e.reg.ResponseStream(opts.SourceFormat, e.wire, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}

// ExecuteEmbeddings posts an OpenAI embeddings request verbatim and
// returns the upstream envelope. Only OpenAI-shaped providers support it.
func (e *DefaultExecutor) ExecuteEmbeddings(ctx context.Context, conn *store.ProviderConnection, payload []byte) (Response, error) {
	if e.wire != translator.FormatOpenAIChat {
		return Response{}, NewStatusError(http.StatusBadRequest, e.provider+" does not support embeddings")
	}
	url := e.baseURL(conn) + "/embeddings"
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
	return Response{Payload: body}, nil
}
