// Package engine binds the resolver, credential manager, executors, and
// fallback policy into the dispatch loop every edge handler calls.
package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/credentials"
	"github.com/involvex/involvex-claude-router/internal/executor"
	"github.com/involvex/involvex-claude-router/internal/fallback"
	"github.com/involvex/involvex-claude-router/internal/resolver"
	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

// Request is one inbound call entering the engine.
type Request struct {
	MachineID string
	Dialect   translator.Format
	Body      []byte
	Stream    bool
}

// Engine drives a request from model resolution to upstream response.
type Engine struct {
	store     store.ConfigStore
	creds     *credentials.Manager
	executors *executor.Registry
}

// New wires an engine.
func New(s store.ConfigStore, creds *credentials.Manager, executors *executor.Registry) *Engine {
	return &Engine{store: s, creds: creds, executors: executors}
}

// Execute serves a non-streaming request. Combo models walk their target
// list, moving to the next entry on 5xx only.
func (e *Engine) Execute(ctx context.Context, req Request) ([]byte, *APIError) {
	targets, apiErr := e.resolveTargets(ctx, req)
	if apiErr != nil {
		return nil, apiErr
	}

	var lastErr *APIError
	for i, target := range targets {
		payload, err := e.executeTarget(ctx, req, target)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if i < len(targets)-1 && err.Status >= 500 {
			log.Warnf("engine: combo target %s/%s failed with %d, trying next", target.Provider, target.Model, err.Status)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// ExecuteStream serves a streaming request. The returned channel carries
// ready-to-write SSE frames; a terminal chunk error means the stream
// failed after it started.
func (e *Engine) ExecuteStream(ctx context.Context, req Request) (<-chan executor.StreamChunk, *APIError) {
	targets, apiErr := e.resolveTargets(ctx, req)
	if apiErr != nil {
		return nil, apiErr
	}

	var lastErr *APIError
	for i, target := range targets {
		ch, err := e.executeTargetStream(ctx, req, target)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if i < len(targets)-1 && err.Status >= 500 {
			log.Warnf("engine: combo target %s/%s failed with %d, trying next", target.Provider, target.Model, err.Status)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (e *Engine) resolveTargets(ctx context.Context, req Request) ([]resolver.Target, *APIError) {
	modelString := gjson.GetBytes(req.Body, "model").String()
	if modelString == "" {
		return nil, invalidRequest("missing model")
	}

	record, err := e.store.GetMachine(ctx, req.MachineID)
	if err != nil {
		if errors.Is(err, store.ErrMachineNotFound) {
			return nil, &APIError{Status: 401, Type: TypeAuthentication, Message: "unknown machine"}
		}
		return nil, &APIError{Status: 500, Type: TypeServer, Message: err.Error()}
	}

	resolution, err := resolver.Resolve(record, modelString)
	if err != nil {
		return nil, invalidRequest("%s", err.Error())
	}
	return resolution.Targets, nil
}

// attempt is one upstream try against a specific credential.
type attempt struct {
	conn *store.ProviderConnection
	exec executor.Executor
}

// nextAttempt runs credential selection plus proactive refresh,
// excluding connections that already failed this request.
func (e *Engine) nextAttempt(ctx context.Context, req Request, provider string, exclude map[string]bool) (*attempt, *APIError) {
	exec, err := e.executors.Lookup(provider)
	if err != nil {
		return nil, invalidRequest("%s", err.Error())
	}

	for {
		conn, selErr := e.creds.Select(ctx, req.MachineID, provider, exclude)
		if selErr != nil {
			var cooling *credentials.AllRateLimitedError
			if errors.As(selErr, &cooling) {
				return nil, &APIError{
					Status:     429,
					Type:       TypeRateLimit,
					Message:    coolingMessage(provider, cooling.LastError),
					RetryAfter: cooling.RetryAfter,
				}
			}
			if errors.Is(selErr, credentials.ErrNoCredentials) {
				return nil, invalidRequest("no credentials configured for provider %s", provider)
			}
			return nil, &APIError{Status: 500, Type: TypeServer, Message: selErr.Error()}
		}

		if !exec.NeedsRefresh(conn) {
			return &attempt{conn: conn, exec: exec}, nil
		}
		refreshed, refreshErr := e.creds.Refresh(ctx, req.MachineID, conn, exec.Refresh)
		if refreshErr == nil {
			return &attempt{conn: refreshed, exec: exec}, nil
		}
		log.Warnf("engine: refresh failed for connection %s: %v", conn.ID, refreshErr)
		_ = e.creds.MarkUnavailable(ctx, req.MachineID, conn.ID, executor.StatusCodeOf(refreshErr), refreshErr.Error(), 5*time.Minute, conn.BackoffLevel+1)
		exclude[conn.ID] = true
	}
}

func coolingMessage(provider, lastError string) string {
	if lastError == "" {
		return "all " + provider + " accounts are rate-limited"
	}
	return "all " + provider + " accounts are rate-limited; last error: " + lastError
}

// handleFailure classifies an upstream error, updates the connection's
// health state, and reports whether the loop should rotate to the next
// credential.
func (e *Engine) handleFailure(ctx context.Context, req Request, at *attempt, err error) (bool, *APIError) {
	status := executor.StatusCodeOf(err)
	decision := fallback.Check(status, err.Error(), at.conn.BackoffLevel)

	if !decision.ShouldFallback {
		return false, upstreamError(status, err.Error())
	}

	cooldown := decision.Cooldown
	if upstream, ok := executor.RetryAfterOf(err); ok && upstream > cooldown {
		cooldown = upstream
	}
	if markErr := e.creds.MarkUnavailable(ctx, req.MachineID, at.conn.ID, status, err.Error(), cooldown, decision.NewBackoffLevel); markErr != nil {
		log.Errorf("engine: failed to record unavailable state for %s: %v", at.conn.ID, markErr)
	}
	return true, upstreamError(status, err.Error())
}

// refreshAndRetryAuth does the single in-place refresh the 401/403 path
// gets before the account is rotated out. API-key connections have no
// refresh path, so they rotate immediately rather than replay the
// failed request.
func (e *Engine) refreshAndRetryAuth(ctx context.Context, req Request, at *attempt) *attempt {
	if at.conn.AuthType != store.AuthTypeOAuth {
		return nil
	}
	refreshed, err := e.creds.Refresh(ctx, req.MachineID, at.conn, at.exec.Refresh)
	if err != nil {
		log.Warnf("engine: in-place refresh for %s failed: %v", at.conn.ID, err)
		return nil
	}
	return &attempt{conn: refreshed, exec: at.exec}
}

func isAuthStatus(status int) bool { return status == 401 || status == 403 }

func (e *Engine) executeTarget(ctx context.Context, req Request, target resolver.Target) ([]byte, *APIError) {
	execReq := executor.Request{Model: target.Model, Payload: req.Body}
	opts := executor.Options{SourceFormat: req.Dialect, OriginalRequest: req.Body, Stream: false}

	exclude := make(map[string]bool)
	var lastErr *APIError
	for {
		at, apiErr := e.nextAttempt(ctx, req, target.Provider, exclude)
		if apiErr != nil {
			if lastErr != nil && apiErr.Status == 400 && strings.Contains(apiErr.Message, "no credentials") {
				return nil, lastErr
			}
			return nil, apiErr
		}

		resp, err := at.exec.Execute(ctx, at.conn, execReq, opts)
		if err != nil && isAuthStatus(executor.StatusCodeOf(err)) {
			if retried := e.refreshAndRetryAuth(ctx, req, at); retried != nil {
				resp, err = retried.exec.Execute(ctx, retried.conn, execReq, opts)
				at = retried
			}
		}
		if err == nil {
			if markErr := e.creds.MarkActive(ctx, req.MachineID, at.conn.ID); markErr != nil {
				log.Errorf("engine: failed to mark %s active: %v", at.conn.ID, markErr)
			}
			return resp.Payload, nil
		}
		if ctx.Err() != nil {
			return nil, &APIError{Status: 499, Type: TypeServer, Message: "request cancelled"}
		}

		rotate, apiErr2 := e.handleFailure(ctx, req, at, err)
		if !rotate {
			return nil, apiErr2
		}
		lastErr = apiErr2
		exclude[at.conn.ID] = true
	}
}

func (e *Engine) executeTargetStream(ctx context.Context, req Request, target resolver.Target) (<-chan executor.StreamChunk, *APIError) {
	execReq := executor.Request{Model: target.Model, Payload: req.Body}
	opts := executor.Options{SourceFormat: req.Dialect, OriginalRequest: req.Body, Stream: true}

	exclude := make(map[string]bool)
	var lastErr *APIError
	for {
		at, apiErr := e.nextAttempt(ctx, req, target.Provider, exclude)
		if apiErr != nil {
			if lastErr != nil && apiErr.Status == 400 && strings.Contains(apiErr.Message, "no credentials") {
				return nil, lastErr
			}
			return nil, apiErr
		}

		ch, err := at.exec.ExecuteStream(ctx, at.conn, execReq, opts)
		if err != nil && isAuthStatus(executor.StatusCodeOf(err)) {
			if retried := e.refreshAndRetryAuth(ctx, req, at); retried != nil {
				ch, err = retried.exec.ExecuteStream(ctx, retried.conn, execReq, opts)
				at = retried
			}
		}
		if err == nil {
			if markErr := e.creds.MarkActive(ctx, req.MachineID, at.conn.ID); markErr != nil {
				log.Errorf("engine: failed to mark %s active: %v", at.conn.ID, markErr)
			}
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, &APIError{Status: 499, Type: TypeServer, Message: "request cancelled"}
		}

		rotate, apiErr2 := e.handleFailure(ctx, req, at, err)
		if !rotate {
			return nil, apiErr2
		}
		lastErr = apiErr2
		exclude[at.conn.ID] = true
	}
}

// Embeddings providers. Everything else returns 400.
func supportsEmbeddings(provider string) bool {
	return provider == "openai" || provider == "openrouter" || strings.HasPrefix(provider, "openai-compatible-")
}

// Embeddings dispatches an embeddings request, defaulting
// encoding_format to "float".
func (e *Engine) Embeddings(ctx context.Context, req Request) ([]byte, *APIError) {
	input := gjson.GetBytes(req.Body, "input")
	if !input.Exists() || (input.Type == gjson.String && input.String() == "") {
		return nil, invalidRequest("input must be a non-empty string or array")
	}

	targets, apiErr := e.resolveTargets(ctx, req)
	if apiErr != nil {
		return nil, apiErr
	}
	target := targets[0]
	if !supportsEmbeddings(target.Provider) {
		return nil, invalidRequest("provider %s does not support embeddings", target.Provider)
	}

	body := req.Body
	if !gjson.GetBytes(body, "encoding_format").Exists() {
		body, _ = sjson.SetBytes(body, "encoding_format", "float")
	}
	body, _ = sjson.SetBytes(body, "model", target.Model)

	exclude := make(map[string]bool)
	for {
		at, apiErr2 := e.nextAttempt(ctx, req, target.Provider, exclude)
		if apiErr2 != nil {
			return nil, apiErr2
		}
		embedder, ok := at.exec.(*executor.DefaultExecutor)
		if !ok {
			return nil, invalidRequest("provider %s does not support embeddings", target.Provider)
		}

		resp, err := embedder.ExecuteEmbeddings(ctx, at.conn, body)
		if err == nil {
			if markErr := e.creds.MarkActive(ctx, req.MachineID, at.conn.ID); markErr != nil {
				log.Errorf("engine: failed to mark %s active: %v", at.conn.ID, markErr)
			}
			return resp.Payload, nil
		}

		rotate, apiErr3 := e.handleFailure(ctx, req, at, err)
		if !rotate {
			return nil, apiErr3
		}
		exclude[at.conn.ID] = true
	}
}

// VerifyKey checks an inbound API key against the machine's allow list.
func (e *Engine) VerifyKey(ctx context.Context, machineID, key string) (*store.MachineRecord, *APIError) {
	record, err := e.store.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, store.ErrMachineNotFound) {
			return nil, &APIError{Status: 401, Type: TypeAuthentication, Message: "unknown machine"}
		}
		return nil, &APIError{Status: 500, Type: TypeServer, Message: err.Error()}
	}
	if !record.HasAPIKey(key) {
		return nil, &APIError{Status: 401, Type: TypeAuthentication, Message: "invalid api key"}
	}
	return record, nil
}

func (e *Engine) Store() store.ConfigStore { return e.store }

// StatusFromChunkErr maps a mid-stream failure onto an HTTP status, used
// only to label terminal error frames.
func StatusFromChunkErr(err error) int {
	if status := executor.StatusCodeOf(err); status != 0 {
		return status
	}
	return http.StatusBadGateway
}
