// Package executor holds the per-provider upstream adapters. Each executor
// knows its provider's base URL, auth headers, signing scheme, request
// shape, and token refresh path, and translates responses back into the
// caller's dialect through the format registry.
package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/streaming"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

// streamTimeout bounds one streaming attempt end to end, from dialing
// the upstream to the last chunk. A variable so tests can shrink it.
var streamTimeout = 120 * time.Second

// Upstream call timeouts.
const (
	nonStreamTimeout = 60 * time.Second
	refreshTimeout   = 20 * time.Second
)

// streamContext derives the per-attempt deadline for a streaming call.
// The cancel func travels into forwardSSE, which releases it when the
// upstream closes.
func streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, streamTimeout)
}

// refreshWindow is how close to expiry a token may get before a proactive
// refresh fires.
const refreshWindow = 5 * time.Minute

// Request is one upstream call: the resolved model plus the inbound body
// in the caller's dialect.
type Request struct {
	Model   string
	Payload []byte
}

// Options carries translation context for a call.
type Options struct {
	SourceFormat    translator.Format
	OriginalRequest []byte
	Stream          bool
}

// Response is a completed non-streaming upstream result, already
// translated back into the caller's dialect.
type Response struct {
	Payload []byte
}

// StreamChunk is one translated SSE frame or a terminal error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// Executor adapts one provider's upstream API.
type Executor interface {
	Identifier() string
	Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error)
	ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error)
	// Refresh renews the connection's credentials, returning only changed
	// fields. Executors without a refresh path return nil, nil.
	Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error)
	NeedsRefresh(conn *store.ProviderConnection) bool
}

// oauthNeedsRefresh is the default expiry check for OAuth-backed
// connections.
func oauthNeedsRefresh(conn *store.ProviderConnection) bool {
	if conn.AuthType != store.AuthTypeOAuth {
		return false
	}
	if conn.AccessToken == "" {
		return true
	}
	if conn.ExpiresAt == nil {
		return false
	}
	return time.Until(*conn.ExpiresAt) < refreshWindow
}

// newHTTPClient builds a client honoring the optional forward proxy.
// Streaming clients pass timeout 0 and rely on context cancellation.
func newHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
		} else {
			log.Warnf("executor: invalid proxy url %q: %v", proxyURL, err)
		}
	}
	return client
}

// stringData reads a string value from a connection's provider-specific
// data bag.
func stringData(conn *store.ProviderConnection, key string) string {
	if conn == nil || conn.ProviderSpecificData == nil {
		return ""
	}
	if v, ok := conn.ProviderSpecificData[key].(string); ok {
		return v
	}
	return ""
}

// floatData reads a numeric value from the provider-specific data bag.
// JSON round-trips store numbers as float64.
func floatData(conn *store.ProviderConnection, key string) (float64, bool) {
	if conn == nil || conn.ProviderSpecificData == nil {
		return 0, false
	}
	switch v := conn.ProviderSpecificData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// drainError reads an error body and wraps it with the upstream status.
func drainError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	return &statusErr{code: resp.StatusCode, msg: string(bytes.TrimSpace(body)), retryAfter: retryAfter}
}

func parseRetryAfterHeader(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(value + "s"); err == nil && seconds > 0 {
		return seconds
	}
	return 0
}

// forwardSSE reads an SSE body line by line, pushes each line through
// translate, and emits the resulting frames. The channel closes when the
// upstream ends; scanner errors surface as a terminal chunk. cancel
// releases the attempt deadline created by streamContext.
func forwardSSE(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, out chan<- StreamChunk, translate func(line []byte) []string) {
	defer cancel()
	defer close(out)
	defer func() { _ = body.Close() }()

	scanner := streaming.NewLineScanner(body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if payload, isData := streaming.DataPayload(line); isData {
			ok, err := streaming.CheckPayload(payload)
			if err != nil {
				out <- StreamChunk{Err: err}
				return
			}
			if !ok {
				continue
			}
		}
		for _, frame := range translate(bytes.Clone(line)) {
			select {
			case out <- StreamChunk{Payload: []byte(frame)}:
			case <-ctx.Done():
				return
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		out <- StreamChunk{Err: err}
	}
}
