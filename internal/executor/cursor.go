package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/net/http2"

	"github.com/involvex/involvex-claude-router/internal/cursor"
	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	cursorChatURL       = "https://api2.cursor.sh/aiserver.v1.ChatService/StreamUnifiedChatWithTools"
	cursorClientVersion = "1.1.3"
)

// CursorExecutor speaks Cursor's Connect-RPC chat API: protobuf request
// frames signed with the time-windowed checksum, streamed protobuf
// response frames synthesised back into openai-chat chunks.
type CursorExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

// NewCursorExecutor builds the cursor executor.
func NewCursorExecutor(reg *translator.Registry, proxyURL string) *CursorExecutor {
	return &CursorExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *CursorExecutor) Identifier() string { return "cursor" }

func (e *CursorExecutor) NeedsRefresh(_ *store.ProviderConnection) bool { return false }

func (e *CursorExecutor) Refresh(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
	return nil, nil
}

func (e *CursorExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection) {
	machineID := stringData(conn, "machineId")
	r.Header.Set("Content-Type", "application/connect+proto")
	r.Header.Set("Connect-Protocol-Version", "1")
	r.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	r.Header.Set("x-cursor-checksum", cursor.Checksum(machineID, time.Now()))
	r.Header.Set("x-cursor-client-version", cursorClientVersion)
	r.Header.Set("x-client-key", uuid.NewString())
	if ghost := stringData(conn, "ghostMode"); ghost != "" {
		r.Header.Set("x-ghost-mode", ghost)
	}
}

// do posts the framed request, preferring HTTP/2 and falling back to the
// default transport when the HTTP/2 dial fails.
func (e *CursorExecutor) do(httpReq *http.Request, framed []byte) (*http.Response, error) {
	h2 := &http.Client{Transport: &http2.Transport{TLSClientConfig: &tls.Config{}}}
	resp, err := h2.Do(httpReq)
	if err == nil {
		return resp, nil
	}
	log.Debugf("cursor executor: http2 transport failed (%v), retrying on http/1.1", err)

	retry := httpReq.Clone(httpReq.Context())
	retry.Body = io.NopCloser(bytes.NewReader(framed))
	return newHTTPClient(e.proxyURL, 0).Do(retry)
}

func (e *CursorExecutor) open(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (*http.Response, error) {
	if conn.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing cursor access token")
	}
	// The cursor request edge flattens tools and threads tool results
	// into plain messages; the wire codec takes it from there.
	normalized := e.reg.Request(opts.SourceFormat, translator.FormatCursor, req.Model, bytes.Clone(req.Payload), true)
	framed := cursor.EncodeFrame(0, cursor.BuildRequest(normalized, req.Model))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cursorChatURL, bytes.NewReader(framed))
	if err != nil {
		return nil, err
	}
	e.setHeaders(httpReq, conn)

	resp, err := e.do(httpReq, framed)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, drainError(resp)
	}
	return resp, nil
}

// chatChunk synthesises one openai-chat SSE line from a decoded event.
func chatChunk(model string, created int64, event *cursor.Event) []byte {
	chunk := []byte(fmt.Sprintf(`{"id":"chatcmpl-%s","object":"chat.completion.chunk","created":%d,"choices":[{"index":0,"delta":{}}]}`, uuid.NewString(), created))
	chunk, _ = sjson.SetBytes(chunk, "model", model)
	switch event.Type {
	case cursor.EventText:
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.content", event.Text)
	case cursor.EventThinking:
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.reasoning_content", event.Text)
	case cursor.EventToolCall:
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.tool_calls.0.index", 0)
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.tool_calls.0.id", event.ToolCallID)
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.tool_calls.0.type", "function")
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.tool_calls.0.function.name", event.ToolCallName)
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.tool_calls.0.function.arguments", event.ToolCallArgs)
	}
	return []byte("data: " + string(chunk))
}

func finishChunk(model string, created int64, reason string) []byte {
	chunk := []byte(fmt.Sprintf(`{"id":"chatcmpl-%s","object":"chat.completion.chunk","created":%d,"choices":[{"index":0,"delta":{},"finish_reason":%q}]}`, uuid.NewString(), created, reason))
	chunk, _ = sjson.SetBytes(chunk, "model", model)
	return []byte("data: " + string(chunk))
}

func cursorEventError(event *cursor.Event) error {
	if event.RateLimited {
		return NewRateLimitError(event.ErrorMessage, 0)
	}
	return NewStatusError(http.StatusBadGateway, event.ErrorMessage)
}

func (e *CursorExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	ctx, cancel := streamContext(ctx)
	resp, err := e.open(ctx, conn, req, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk)
	created := time.Now().Unix()
	go func() {
		defer cancel()
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		var param any
		emit := func(line []byte) bool {
			for _, frame := range e.reg.ResponseStream(opts.SourceFormat, translator.FormatOpenAIChat, ctx, req.Model, bytes.Clone(opts.OriginalRequest), nil, line, &param) {
				select {
				case out <- StreamChunk{Payload: []byte(frame)}:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		reader := cursor.NewFrameReader(resp.Body)
		for {
			frame, readErr := reader.Next()
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				out <- StreamChunk{Err: readErr}
				return
			}

			event, parseErr := cursor.ParseResponsePayload(frame.Payload)
			if parseErr != nil {
				out <- StreamChunk{Err: parseErr}
				return
			}
			switch event.Type {
			case cursor.EventError:
				out <- StreamChunk{Err: cursorEventError(event)}
				return
			case cursor.EventEmpty:
			default:
				if !emit(chatChunk(req.Model, created, event)) {
					return
				}
			}
			if frame.EndStream() {
				break
			}
		}
		if !emit(finishChunk(req.Model, created, "stop")) {
			return
		}
		emit([]byte("data: [DONE]"))
	}()
	return out, nil
}

// Execute accumulates the frame stream into a single chat completion.
func (e *CursorExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	resp, err := e.open(ctx, conn, req, opts)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var content, reasoning bytes.Buffer
	var toolCalls [][]byte
	reader := cursor.NewFrameReader(resp.Body)
	for {
		frame, readErr := reader.Next()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Response{}, readErr
		}
		event, parseErr := cursor.ParseResponsePayload(frame.Payload)
		if parseErr != nil {
			return Response{}, parseErr
		}
		switch event.Type {
		case cursor.EventText:
			content.WriteString(event.Text)
		case cursor.EventThinking:
			reasoning.WriteString(event.Text)
		case cursor.EventToolCall:
			call := []byte(`{"type":"function"}`)
			call, _ = sjson.SetBytes(call, "id", event.ToolCallID)
			call, _ = sjson.SetBytes(call, "function.name", event.ToolCallName)
			call, _ = sjson.SetBytes(call, "function.arguments", event.ToolCallArgs)
			toolCalls = append(toolCalls, call)
		case cursor.EventError:
			return Response{}, cursorEventError(event)
		}
		if frame.EndStream() {
			break
		}
	}

	body := []byte(fmt.Sprintf(`{"id":"chatcmpl-%s","object":"chat.completion","created":%d,"choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":"stop"}]}`, uuid.NewString(), time.Now().Unix()))
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "choices.0.message.content", content.String())
	if reasoning.Len() > 0 {
		body, _ = sjson.SetBytes(body, "choices.0.message.reasoning_content", reasoning.String())
	}
	if len(toolCalls) > 0 {
		body, _ = sjson.SetBytes(body, "choices.0.finish_reason", "tool_calls")
		for _, call := range toolCalls {
			body, _ = sjson.SetRawBytes(body, "choices.0.message.tool_calls.-1", call)
		}
	}

	var param any
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatOpenAIChat, ctx, req.Model, bytes.Clone(opts.OriginalRequest), nil, body, &param)
	return Response{Payload: []byte(out)}, nil
}
