package translator

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// RequestFunc translates a request body from the inbound dialect to the
// provider dialect.
type RequestFunc func(modelName string, rawJSON []byte, stream bool) []byte

// StreamFunc translates one upstream chunk (a raw SSE line or JSON object)
// back into zero or more frames in the inbound dialect. param carries the
// per-stream accumulator; it is lazily initialized on the first call and
// owned by the single consumer of the stream.
type StreamFunc func(ctx context.Context, modelName string, originalRequest, translatedRequest, chunk []byte, param *any) []string

// NonStreamFunc translates a complete upstream response body back into the
// inbound dialect.
type NonStreamFunc func(ctx context.Context, modelName string, originalRequest, translatedRequest, rawJSON []byte, param *any) string

// Response bundles the two response directions of one translator edge.
type Response struct {
	Stream    StreamFunc
	NonStream NonStreamFunc
}

// Registry holds translator edges. It is built once at startup and is
// read-only afterwards, so lookups need no locking.
type Registry struct {
	requests  map[Format]map[Format]RequestFunc
	responses map[Format]map[Format]Response
}

// NewRegistry returns a registry with every supported edge registered.
func NewRegistry() *Registry {
	r := &Registry{
		requests:  make(map[Format]map[Format]RequestFunc),
		responses: make(map[Format]map[Format]Response),
	}

	r.Register(FormatOpenAIChat, FormatClaude, OpenAIRequestToClaude, Response{
		Stream:    ClaudeResponseToOpenAI,
		NonStream: ClaudeResponseToOpenAINonStream,
	})
	r.Register(FormatClaude, FormatOpenAIChat, ClaudeRequestToOpenAI, Response{
		Stream:    OpenAIResponseToClaude,
		NonStream: OpenAIResponseToClaudeNonStream,
	})
	r.Register(FormatOpenAIChat, FormatOpenAIResponses, OpenAIRequestToResponses, Response{
		Stream:    ResponsesResponseToOpenAI,
		NonStream: ResponsesResponseToOpenAINonStream,
	})
	r.Register(FormatOpenAIResponses, FormatOpenAIChat, ResponsesRequestToOpenAI, Response{
		Stream:    OpenAIResponseToResponses,
		NonStream: OpenAIResponseToResponsesNonStream,
	})
	r.Register(FormatOpenAIChat, FormatGemini, OpenAIRequestToGemini, Response{
		Stream:    GeminiResponseToOpenAI,
		NonStream: GeminiResponseToOpenAINonStream,
	})
	// Cursor responses are synthesised by the executor from protobuf
	// frames, so only the request direction exists.
	r.Register(FormatOpenAIChat, FormatCursor, OpenAIRequestToCursor, Response{})
	r.Register(FormatOllama, FormatOpenAIChat, OllamaRequestToOpenAI, Response{
		Stream:    OpenAIResponseToOllama,
		NonStream: OpenAIResponseToOllamaNonStream,
	})

	return r
}

// Register installs one edge. A nil request function or empty response
// means that direction passes bytes through unchanged.
func (r *Registry) Register(from, to Format, request RequestFunc, response Response) {
	log.Debugf("registering translator %s -> %s", from, to)
	if _, ok := r.requests[from]; !ok {
		r.requests[from] = make(map[Format]RequestFunc)
	}
	if request != nil {
		r.requests[from][to] = request
	}
	if _, ok := r.responses[from]; !ok {
		r.responses[from] = make(map[Format]Response)
	}
	r.responses[from][to] = response
}

// Request translates a request body from -> to. Identity and unregistered
// pairs return the body unchanged.
func (r *Registry) Request(from, to Format, modelName string, rawJSON []byte, stream bool) []byte {
	if from == to {
		return rawJSON
	}
	if fn, ok := r.requests[from][to]; ok {
		return fn(modelName, rawJSON, stream)
	}
	return rawJSON
}

// NeedConvert reports whether a response conversion exists for the pair.
func (r *Registry) NeedConvert(from, to Format) bool {
	if from == to {
		return false
	}
	resp, ok := r.responses[from][to]
	return ok && (resp.Stream != nil || resp.NonStream != nil)
}

// ResponseStream converts one upstream chunk back to the inbound dialect.
func (r *Registry) ResponseStream(from, to Format, ctx context.Context, modelName string, originalRequest, translatedRequest, chunk []byte, param *any) []string {
	if resp, ok := r.responses[from][to]; ok && resp.Stream != nil {
		return resp.Stream(ctx, modelName, originalRequest, translatedRequest, chunk, param)
	}
	return []string{string(chunk)}
}

// ResponseNonStream converts a complete upstream body back to the inbound
// dialect.
func (r *Registry) ResponseNonStream(from, to Format, ctx context.Context, modelName string, originalRequest, translatedRequest, rawJSON []byte, param *any) string {
	if resp, ok := r.responses[from][to]; ok && resp.NonStream != nil {
		return resp.NonStream(ctx, modelName, originalRequest, translatedRequest, rawJSON, param)
	}
	return string(rawJSON)
}
