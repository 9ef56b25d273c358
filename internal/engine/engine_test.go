package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/involvex/involvex-claude-router/internal/credentials"
	"github.com/involvex/involvex-claude-router/internal/executor"
	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

func newTestEngine(t *testing.T, conns ...*store.ProviderConnection) (*Engine, store.ConfigStore) {
	t.Helper()
	s := store.NewMemoryStore()
	record := &store.MachineRecord{
		MachineID: "machine-1",
		Providers: map[string]*store.ProviderConnection{},
	}
	for _, conn := range conns {
		record.Providers[conn.ID] = conn
	}
	require.NoError(t, s.SaveMachine(context.Background(), record))

	executors := executor.NewRegistry(translator.NewRegistry(), executor.NewProviderRuntime(), "")
	return New(s, credentials.NewManager(s), executors), s
}

func openaiConn(id, baseURL string, priority int) *store.ProviderConnection {
	return &store.ProviderConnection{
		ID:                   id,
		Provider:             "openai",
		AuthType:             store.AuthTypeAPIKey,
		APIKey:               "sk-test-" + id,
		Priority:             priority,
		IsActive:             true,
		ProviderSpecificData: map[string]any{"baseUrl": baseURL},
	}
}

func chatCompletionServer(t *testing.T, marker string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      marker,
			"object":  "chat.completion",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": marker}}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func errorServer(t *testing.T, status int, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func chatRequest(model string) Request {
	body, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	return Request{MachineID: "machine-1", Dialect: translator.FormatOpenAIChat, Body: body}
}

func TestExecuteHappyPath(t *testing.T) {
	upstream := chatCompletionServer(t, "resp-a", nil)
	eng, s := newTestEngine(t, openaiConn("a", upstream.URL, 1))

	payload, apiErr := eng.Execute(context.Background(), chatRequest("openai/gpt-4o"))
	require.Nil(t, apiErr)
	assert.Contains(t, string(payload), "resp-a")

	record, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, record.Providers["a"].Status)
}

func TestExecuteRotatesOnRateLimit(t *testing.T) {
	var limitedHits atomic.Int64
	limited := errorServer(t, 429, `{"error":{"message":"rate limited"}}`, &limitedHits)
	healthy := chatCompletionServer(t, "resp-b", nil)
	eng, s := newTestEngine(t,
		openaiConn("a", limited.URL, 1),
		openaiConn("b", healthy.URL, 2),
	)

	payload, apiErr := eng.Execute(context.Background(), chatRequest("openai/gpt-4o"))
	require.Nil(t, apiErr)
	assert.Contains(t, string(payload), "resp-b")
	assert.Equal(t, int64(1), limitedHits.Load())

	record, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)

	connA := record.Providers["a"]
	assert.Equal(t, store.StatusUnavailable, connA.Status)
	assert.Equal(t, 429, connA.ErrorCode)
	assert.Equal(t, 1, connA.BackoffLevel)
	require.NotNil(t, connA.RateLimitedUntil)
	assert.InDelta(t, 60, time.Until(*connA.RateLimitedUntil).Seconds(), 5)

	assert.Equal(t, store.StatusActive, record.Providers["b"].Status)
}

func TestExecuteAllRateLimited(t *testing.T) {
	until := time.Now().Add(5 * time.Minute)
	conn := openaiConn("a", "http://unused.invalid", 1)
	conn.Status = store.StatusUnavailable
	conn.RateLimitedUntil = &until
	conn.LastError = "rate limited"
	eng, _ := newTestEngine(t, conn)

	_, apiErr := eng.Execute(context.Background(), chatRequest("openai/gpt-4o"))
	require.NotNil(t, apiErr)
	assert.Equal(t, 429, apiErr.Status)
	assert.Equal(t, TypeRateLimit, apiErr.Type)
	assert.InDelta(t, 300, apiErr.RetryAfter.Seconds(), 5)
}

func TestExecutePassesThroughClientErrors(t *testing.T) {
	var hits atomic.Int64
	upstream := errorServer(t, 404, `{"error":{"message":"model not found"}}`, &hits)
	fallbackTarget := chatCompletionServer(t, "resp-b", nil)
	eng, s := newTestEngine(t,
		openaiConn("a", upstream.URL, 1),
		openaiConn("b", fallbackTarget.URL, 2),
	)

	_, apiErr := eng.Execute(context.Background(), chatRequest("openai/gpt-4o"))
	require.NotNil(t, apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Contains(t, apiErr.Message, "model not found")
	assert.Equal(t, int64(1), hits.Load())

	// Plain 4xx responses never cool the account down.
	record, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusUnavailable, record.Providers["a"].Status)
}

func TestExecuteRetriesAuthOnceForOAuth(t *testing.T) {
	var hits atomic.Int64
	upstream := errorServer(t, 401, `{"error":{"message":"bad token"}}`, &hits)
	conn := openaiConn("a", upstream.URL, 1)
	conn.AuthType = store.AuthTypeOAuth

	eng, s := newTestEngine(t, conn)

	_, apiErr := eng.Execute(context.Background(), chatRequest("openai/gpt-4o"))
	require.NotNil(t, apiErr)
	assert.Equal(t, 401, apiErr.Status)

	// One original attempt plus one retry after the in-place refresh.
	assert.Equal(t, int64(2), hits.Load())

	record, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)
	connA := record.Providers["a"]
	assert.Equal(t, store.StatusUnavailable, connA.Status)
	require.NotNil(t, connA.RateLimitedUntil)
	assert.InDelta(t, 300, time.Until(*connA.RateLimitedUntil).Seconds(), 5)
}

func TestExecuteSkipsAuthRetryForAPIKey(t *testing.T) {
	var hits atomic.Int64
	upstream := errorServer(t, 401, `{"error":{"message":"invalid api key"}}`, &hits)
	eng, s := newTestEngine(t, openaiConn("a", upstream.URL, 1))

	_, apiErr := eng.Execute(context.Background(), chatRequest("openai/gpt-4o"))
	require.NotNil(t, apiErr)
	assert.Equal(t, 401, apiErr.Status)

	// An api-key account has nothing to refresh, so the failed request
	// is never replayed.
	assert.Equal(t, int64(1), hits.Load())

	record, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnavailable, record.Providers["a"].Status)
}

func TestExecuteComboAdvancesOnServerError(t *testing.T) {
	broken := errorServer(t, 500, `{"error":{"message":"upstream exploded"}}`, nil)
	healthy := chatCompletionServer(t, "resp-combo", nil)

	s := store.NewMemoryStore()
	record := &store.MachineRecord{
		MachineID: "machine-1",
		Providers: map[string]*store.ProviderConnection{
			"a": openaiConn("a", broken.URL, 1),
			"b": {
				ID: "b", Provider: "openrouter", AuthType: store.AuthTypeAPIKey,
				APIKey: "sk-or-b", Priority: 1, IsActive: true,
				ProviderSpecificData: map[string]any{"baseUrl": healthy.URL},
			},
		},
		Combos: []store.Combo{{ID: "c1", Name: "fast", Models: []string{"openai/gpt-4o", "openrouter/llama-3"}}},
	}
	require.NoError(t, s.SaveMachine(context.Background(), record))
	executors := executor.NewRegistry(translator.NewRegistry(), executor.NewProviderRuntime(), "")
	eng := New(s, credentials.NewManager(s), executors)

	payload, apiErr := eng.Execute(context.Background(), chatRequest("fast"))
	require.Nil(t, apiErr)
	assert.Contains(t, string(payload), "resp-combo")
}

func TestExecuteComboStopsOnClientError(t *testing.T) {
	broken := errorServer(t, 400, `{"error":{"message":"bad request upstream"}}`, nil)
	var healthyHits atomic.Int64
	healthy := chatCompletionServer(t, "resp-combo", &healthyHits)

	s := store.NewMemoryStore()
	record := &store.MachineRecord{
		MachineID: "machine-1",
		Providers: map[string]*store.ProviderConnection{
			"a": openaiConn("a", broken.URL, 1),
			"b": {
				ID: "b", Provider: "openrouter", AuthType: store.AuthTypeAPIKey,
				APIKey: "sk-or-b", Priority: 1, IsActive: true,
				ProviderSpecificData: map[string]any{"baseUrl": healthy.URL},
			},
		},
		Combos: []store.Combo{{ID: "c1", Name: "fast", Models: []string{"openai/gpt-4o", "openrouter/llama-3"}}},
	}
	require.NoError(t, s.SaveMachine(context.Background(), record))
	executors := executor.NewRegistry(translator.NewRegistry(), executor.NewProviderRuntime(), "")
	eng := New(s, credentials.NewManager(s), executors)

	_, apiErr := eng.Execute(context.Background(), chatRequest("fast"))
	require.NotNil(t, apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, int64(0), healthyHits.Load())
}

func TestExecuteMissingModel(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, apiErr := eng.Execute(context.Background(), Request{
		MachineID: "machine-1",
		Dialect:   translator.FormatOpenAIChat,
		Body:      []byte(`{"messages":[]}`),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, TypeInvalidRequest, apiErr.Type)
}

func TestExecuteUnknownMachine(t *testing.T) {
	eng, _ := newTestEngine(t)
	req := chatRequest("openai/gpt-4o")
	req.MachineID = "nope"
	_, apiErr := eng.Execute(context.Background(), req)
	require.NotNil(t, apiErr)
	assert.Equal(t, 401, apiErr.Status)
}

func TestExecuteNoCredentialsForProvider(t *testing.T) {
	eng, _ := newTestEngine(t, openaiConn("a", "http://unused.invalid", 1))
	_, apiErr := eng.Execute(context.Background(), chatRequest("glm/glm-4.6"))
	require.NotNil(t, apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Message, "no credentials")
}

func TestExecuteStreamForwardsFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"s1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(upstream.Close)
	eng, _ := newTestEngine(t, openaiConn("a", upstream.URL, 1))

	req := chatRequest("openai/gpt-4o")
	req.Stream = true
	ch, apiErr := eng.ExecuteStream(context.Background(), req)
	require.Nil(t, apiErr)

	var frames []string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		frames = append(frames, string(chunk.Payload))
	}
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0], "s1")
	assert.Contains(t, frames[len(frames)-1], "[DONE]")
}

func TestEmbeddings(t *testing.T) {
	var sawBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1]}]}`))
	}))
	t.Cleanup(upstream.Close)
	eng, _ := newTestEngine(t, openaiConn("a", upstream.URL, 1))

	body := []byte(`{"model":"openai/text-embedding-3-small","input":"hello"}`)
	payload, apiErr := eng.Embeddings(context.Background(), Request{
		MachineID: "machine-1", Dialect: translator.FormatOpenAIChat, Body: body,
	})
	require.Nil(t, apiErr)
	assert.Contains(t, string(payload), "embedding")
	assert.Contains(t, string(sawBody), `"encoding_format":"float"`)
	assert.Contains(t, string(sawBody), `"model":"text-embedding-3-small"`)
}

func TestEmbeddingsRejectsEmptyInput(t *testing.T) {
	eng, _ := newTestEngine(t, openaiConn("a", "http://unused.invalid", 1))
	_, apiErr := eng.Embeddings(context.Background(), Request{
		MachineID: "machine-1",
		Body:      []byte(`{"model":"openai/text-embedding-3-small","input":""}`),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestEmbeddingsUnsupportedProvider(t *testing.T) {
	conn := &store.ProviderConnection{
		ID: "a", Provider: "claude-code", AuthType: store.AuthTypeOAuth,
		AccessToken: "tok", Priority: 1, IsActive: true,
	}
	eng, _ := newTestEngine(t, conn)
	_, apiErr := eng.Embeddings(context.Background(), Request{
		MachineID: "machine-1",
		Body:      []byte(`{"model":"claude-code/claude-sonnet-4-5","input":"hi"}`),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestVerifyKey(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveMachine(context.Background(), &store.MachineRecord{
		MachineID: "machine-1",
		APIKeys:   []string{"sk-machine-1-k1-deadbeef"},
	}))
	executors := executor.NewRegistry(translator.NewRegistry(), executor.NewProviderRuntime(), "")
	eng := New(s, credentials.NewManager(s), executors)

	record, apiErr := eng.VerifyKey(context.Background(), "machine-1", "sk-machine-1-k1-deadbeef")
	require.Nil(t, apiErr)
	assert.Equal(t, "machine-1", record.MachineID)

	_, apiErr = eng.VerifyKey(context.Background(), "machine-1", "sk-wrong")
	require.NotNil(t, apiErr)
	assert.Equal(t, 401, apiErr.Status)
}
