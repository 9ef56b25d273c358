package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/involvex/involvex-claude-router/internal/config"
	"github.com/involvex/involvex-claude-router/internal/credentials"
	"github.com/involvex/involvex-claude-router/internal/engine"
	"github.com/involvex/involvex-claude-router/internal/executor"
	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const testSecret = "test-secret"

func TestAPIKeyRoundTrip(t *testing.T) {
	key := FormatAPIKey(testSecret, "machine-1", "k1")
	assert.True(t, strings.HasPrefix(key, "sk-machine-1-k1-"))

	machineID, keyID, err := ParseAPIKey(testSecret, key)
	require.NoError(t, err)
	assert.Equal(t, "machine-1", machineID)
	assert.Equal(t, "k1", keyID)

	// Machine ids with dashes still parse thanks to checksum probing.
	dashed := FormatAPIKey(testSecret, "edge-box-7", "key-2")
	machineID, keyID, err = ParseAPIKey(testSecret, dashed)
	require.NoError(t, err)
	assert.Equal(t, "edge-box-7", machineID)
	assert.Equal(t, "key-2", keyID)
}

func TestParseAPIKeyRejections(t *testing.T) {
	_, _, err := ParseAPIKey(testSecret, "sk-proj-abcdef")
	assert.ErrorIs(t, err, ErrLegacyKey)

	_, _, err = ParseAPIKey(testSecret, "not-a-key")
	assert.ErrorIs(t, err, ErrLegacyKey)

	tampered := FormatAPIKey(testSecret, "machine-1", "k1")
	tampered = strings.Replace(tampered, "machine-1", "machine-2", 1)
	_, _, err = ParseAPIKey(testSecret, tampered)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func newTestServer(t *testing.T, upstreamURL string) (*Server, string) {
	t.Helper()
	key := FormatAPIKey(testSecret, "machine-1", "k1")

	s := store.NewMemoryStore()
	record := &store.MachineRecord{
		MachineID: "machine-1",
		Providers: map[string]*store.ProviderConnection{
			"a": {
				ID: "a", Provider: "openai", AuthType: store.AuthTypeAPIKey,
				APIKey: "sk-up", Priority: 1, IsActive: true,
				ProviderSpecificData: map[string]any{"baseUrl": upstreamURL},
			},
		},
		ModelAliases: map[string]string{"default": "openai/gpt-4o"},
		Combos:       []store.Combo{{ID: "c1", Name: "fast", Models: []string{"openai/gpt-4o"}}},
		APIKeys:      []string{key, "legacy-key"},
	}
	require.NoError(t, s.SaveMachine(context.Background(), record))

	executors := executor.NewRegistry(translator.NewRegistry(), executor.NewProviderRuntime(), "")
	eng := engine.New(s, credentials.NewManager(s), executors)
	return NewServer(&config.Config{Port: 0, ServerSecret: testSecret}, eng), key
}

func doRequest(server *Server, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestChatCompletions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	t.Cleanup(upstream.Close)
	server, key := newTestServer(t, upstream.URL)

	w := doRequest(server, http.MethodPost, "/v1/chat/completions", key,
		`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "cmpl-1", gjson.Get(w.Body.String(), "id").String())
}

func TestChatCompletionsStreamFraming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(upstream.Close)
	server, key := newTestServer(t, upstream.URL)

	w := doRequest(server, http.MethodPost, "/v1/chat/completions", key,
		`{"model":"openai/gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	// Every frame is blank-line terminated, ending with the DONE marker.
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	for _, frame := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		assert.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
	}
}

func TestChatCompletionsStreamErrorTerminates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		// Oversized garbage kills the stream mid-flight.
		_, _ = w.Write([]byte("data: <<<" + strings.Repeat("x", 2048) + "\n\n"))
	}))
	t.Cleanup(upstream.Close)
	server, key := newTestServer(t, upstream.URL)

	w := doRequest(server, http.MethodPost, "/v1/chat/completions", key,
		`{"model":"openai/gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"content":"hi"`)
	// The failure rides out as an error frame followed by the terminator.
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.GreaterOrEqual(t, len(frames), 3)
	errFrame := frames[len(frames)-2]
	assert.Contains(t, errFrame, `"error"`)
	assert.Contains(t, errFrame, "malformed")
}

func TestLegacyPathPrefix(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-2","object":"chat.completion","choices":[]}`))
	}))
	t.Cleanup(upstream.Close)
	server, _ := newTestServer(t, upstream.URL)

	w := doRequest(server, http.MethodPost, "/machine-1/v1/chat/completions", "legacy-key",
		`{"model":"openai/gpt-4o","messages":[]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cmpl-2", gjson.Get(w.Body.String(), "id").String())
}

func TestLegacyKeyRejectedOnV1(t *testing.T) {
	server, _ := newTestServer(t, "http://unused.invalid")

	w := doRequest(server, http.MethodPost, "/v1/chat/completions", "legacy-key",
		`{"model":"openai/gpt-4o","messages":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), "machineId")
}

func TestAuthRejectsUnknownKey(t *testing.T) {
	server, _ := newTestServer(t, "http://unused.invalid")

	// Well-formed key signed for a machine that never admitted it.
	stranger := FormatAPIKey(testSecret, "machine-1", "k9")
	w := doRequest(server, http.MethodPost, "/v1/chat/completions", stranger,
		`{"model":"openai/gpt-4o","messages":[]}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t, "http://unused.invalid")

	w := doRequest(server, http.MethodOptions, "/v1/chat/completions", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestVerify(t *testing.T) {
	server, key := newTestServer(t, "http://unused.invalid")

	w := doRequest(server, http.MethodGet, "/v1/verify", key, "")
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Valid          bool   `json:"valid"`
		MachineID      string `json:"machineId"`
		ProvidersCount int    `json:"providersCount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Valid)
	assert.Equal(t, "machine-1", out.MachineID)
	assert.Equal(t, 1, out.ProvidersCount)
}

func TestModels(t *testing.T) {
	server, key := newTestServer(t, "http://unused.invalid")

	w := doRequest(server, http.MethodGet, "/v1/models", key, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())

	ids := map[string]string{}
	for _, item := range gjson.Get(body, "data").Array() {
		ids[item.Get("id").String()] = item.Get("owned_by").String()
	}
	assert.Equal(t, "openai", ids["openai/gpt-4o"])
	assert.Equal(t, "alias", ids["default"])
	assert.Equal(t, "combo", ids["fast"])
}

func TestRateLimitRetryAfterHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	t.Cleanup(upstream.Close)
	server, key := newTestServer(t, upstream.URL)

	// First call trips the cooldown; the second sees every account cooling.
	_ = doRequest(server, http.MethodPost, "/v1/chat/completions", key,
		`{"model":"openai/gpt-4o","messages":[]}`)
	w := doRequest(server, http.MethodPost, "/v1/chat/completions", key,
		`{"model":"openai/gpt-4o","messages":[]}`)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_error", gjson.Get(w.Body.String(), "error.type").String())
	retryAfter := w.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)
}

func TestEmbeddingsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5]}]}`))
	}))
	t.Cleanup(upstream.Close)
	server, key := newTestServer(t, upstream.URL)

	w := doRequest(server, http.MethodPost, "/v1/embeddings", key,
		`{"model":"openai/text-embedding-3-small","input":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "list", gjson.Get(w.Body.String(), "object").String())
}
