package translator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRegistryIdentity(t *testing.T) {
	registry := NewRegistry()
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)

	for _, format := range []Format{FormatOpenAIChat, FormatOpenAIResponses, FormatClaude, FormatGemini, FormatOllama, FormatCursor} {
		out := registry.Request(format, format, "m", body, false)
		assert.Equal(t, body, out, "identity for %s", format)
		assert.False(t, registry.NeedConvert(format, format))
	}
}

func TestOpenAIRequestToClaude(t *testing.T) {
	body := []byte(`{
		"model":"x","max_tokens":512,"temperature":0.5,
		"messages":[
			{"role":"system","content":"be terse"},
			{"role":"user","content":"hi"},
			{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}]},
			{"role":"tool","tool_call_id":"call_1","content":"result text"}
		],
		"tools":[{"type":"function","function":{"name":"lookup","description":"d","parameters":{"type":"object","properties":{"q":{"type":"string"}}}}}]
	}`)

	out := gjson.ParseBytes(OpenAIRequestToClaude("claude-sonnet-4-5", body, true))

	assert.Equal(t, "claude-sonnet-4-5", out.Get("model").String())
	assert.Equal(t, int64(512), out.Get("max_tokens").Int())
	assert.True(t, out.Get("stream").Bool())
	assert.Equal(t, "be terse", out.Get("system").String())

	messages := out.Get("messages").Array()
	require.Len(t, messages, 3)
	assert.Equal(t, "user", messages[0].Get("role").String())
	assert.Equal(t, "hi", messages[0].Get("content.0.text").String())
	assert.Equal(t, "tool_use", messages[1].Get("content.0.type").String())
	assert.Equal(t, "call_1", messages[1].Get("content.0.id").String())
	assert.Equal(t, "go", messages[1].Get("content.0.input.q").String())
	assert.Equal(t, "tool_result", messages[2].Get("content.0.type").String())
	assert.Equal(t, "call_1", messages[2].Get("content.0.tool_use_id").String())

	assert.Equal(t, "lookup", out.Get("tools.0.name").String())
	assert.Equal(t, "object", out.Get("tools.0.input_schema.type").String())
}

func TestClaudeRequestToOpenAI(t *testing.T) {
	body := []byte(`{
		"model":"x","max_tokens":256,"system":"sys prompt",
		"messages":[
			{"role":"user","content":[{"type":"text","text":"hi"}]},
			{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"q":"go"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"found it"}]}
		],
		"tools":[{"name":"lookup","description":"d","input_schema":{"type":"object"}}]
	}`)

	out := gjson.ParseBytes(ClaudeRequestToOpenAI("gpt-4o", body, false))

	assert.Equal(t, "gpt-4o", out.Get("model").String())
	assert.Equal(t, int64(256), out.Get("max_tokens").Int())

	messages := out.Get("messages").Array()
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].Get("role").String())
	assert.Equal(t, "user", messages[1].Get("role").String())
	assert.Equal(t, "hi", messages[1].Get("content").String())
	assert.Equal(t, "lookup", messages[2].Get("tool_calls.0.function.name").String())
	assert.Equal(t, "tool", messages[3].Get("role").String())
	assert.Equal(t, "toolu_1", messages[3].Get("tool_call_id").String())

	assert.Equal(t, "lookup", out.Get("tools.0.function.name").String())
}

func TestClaudeResponseToOpenAIStream(t *testing.T) {
	var param any
	ctx := context.Background()

	feed := func(line string) []string {
		return ClaudeResponseToOpenAI(ctx, "claude-sonnet-4-5", nil, nil, []byte(line), &param)
	}

	frames := feed(`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5"}}`)
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0], "data: "))
	assert.True(t, strings.HasSuffix(frames[0], "\n\n"))
	first := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "msg_1", first.Get("id").String())
	assert.Equal(t, "assistant", first.Get("choices.0.delta.role").String())

	frames = feed(`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	assert.Empty(t, frames)

	frames = feed(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`)
	require.Len(t, frames, 1)
	assert.Equal(t, "hello", gjson.Get(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "), "choices.0.delta.content").String())

	frames = feed(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":3,"output_tokens":5}}`)
	require.Len(t, frames, 1)
	payload := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "stop", payload.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(8), payload.Get("usage.total_tokens").Int())

	frames = feed(`data: {"type":"message_stop"}`)
	require.Equal(t, []string{"data: [DONE]\n\n"}, frames)
}

func TestOpenAIResponseToClaudeStream(t *testing.T) {
	var param any
	ctx := context.Background()

	feed := func(line string) []string {
		return OpenAIResponseToClaude(ctx, "m", nil, nil, []byte(line), &param)
	}

	frames := feed(`data: {"object":"chat.completion.chunk","id":"c1","model":"m","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`)
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0], "event: message_start\ndata: "))

	frames = feed(`data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "content_block_start")
	assert.Contains(t, frames[1], "text_delta")

	frames = feed(`data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], "content_block_stop")

	frames = feed(`data: [DONE]`)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "message_delta")
	assert.Contains(t, frames[0], "end_turn")
	assert.Contains(t, frames[1], "message_stop")

	// Every frame ends with the SSE terminator.
	for _, frame := range frames {
		assert.True(t, strings.HasSuffix(frame, "\n\n"))
	}
}

func TestResponsesResponseToOpenAIStream(t *testing.T) {
	var param any
	ctx := context.Background()

	feed := func(line string) []string {
		return ResponsesResponseToOpenAI(ctx, "gpt-5.1-codex", nil, nil, []byte(line), &param)
	}

	frames := feed(`data: {"type":"response.created","response":{"id":"resp_1","created_at":100,"model":"gpt-5.1-codex"}}`)
	assert.Empty(t, frames)

	frames = feed(`data: {"type":"response.output_text.delta","delta":"hel"}`)
	require.Len(t, frames, 1)
	payload := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "resp_1", payload.Get("id").String())
	assert.Equal(t, "hel", payload.Get("choices.0.delta.content").String())

	frames = feed(`data: {"type":"response.output_item.done","output_index":1,"item":{"type":"function_call","call_id":"call_9","name":"lookup","arguments":"{}"}}`)
	require.Len(t, frames, 1)
	payload = gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "lookup", payload.Get("choices.0.delta.tool_calls.0.function.name").String())

	frames = feed(`data: {"type":"response.completed","response":{"output":[],"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}}`)
	require.Len(t, frames, 1)
	payload = gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "stop", payload.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(3), payload.Get("usage.total_tokens").Int())

	frames = feed(`data: [DONE]`)
	require.Equal(t, []string{"data: [DONE]\n\n"}, frames)
}

func TestOpenAIRequestToResponses(t *testing.T) {
	body := []byte(`{
		"model":"x","max_tokens":100,
		"messages":[
			{"role":"system","content":"sys"},
			{"role":"user","content":"hi"},
			{"role":"assistant","tool_calls":[{"id":"call_1","function":{"name":"f","arguments":"{}"}}]},
			{"role":"tool","tool_call_id":"call_1","content":"out"}
		]
	}`)

	out := gjson.ParseBytes(OpenAIRequestToResponses("gpt-5.1-codex", body, true))
	assert.Equal(t, "sys", out.Get("instructions").String())
	assert.Equal(t, int64(100), out.Get("max_output_tokens").Int())

	input := out.Get("input").Array()
	require.Len(t, input, 3)
	assert.Equal(t, "message", input[0].Get("type").String())
	assert.Equal(t, "input_text", input[0].Get("content.0.type").String())
	assert.Equal(t, "function_call", input[1].Get("type").String())
	assert.Equal(t, "function_call_output", input[2].Get("type").String())
	assert.Equal(t, "call_1", input[2].Get("call_id").String())
}

func TestOllamaRoundTrip(t *testing.T) {
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}],"options":{"temperature":0.1}}`)
	out := gjson.ParseBytes(OllamaRequestToOpenAI("openai/gpt-4o", body, true))
	assert.Equal(t, "hi", out.Get("messages.0.content").String())
	assert.InDelta(t, 0.1, out.Get("temperature").Float(), 1e-9)

	var param any
	frames := OpenAIResponseToOllama(context.Background(), "gpt-4o", nil, nil,
		[]byte(`data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hey"}}]}`), &param)
	require.Len(t, frames, 1)
	frame := gjson.Parse(frames[0])
	assert.Equal(t, "hey", frame.Get("message.content").String())
	assert.False(t, frame.Get("done").Bool())

	frames = OpenAIResponseToOllama(context.Background(), "gpt-4o", nil, nil, []byte(`data: [DONE]`), &param)
	require.Len(t, frames, 1)
	assert.True(t, gjson.Get(frames[0], "done").Bool())
}

func TestOpenAIRequestToCursorToolThreading(t *testing.T) {
	body := []byte(`{
		"messages":[
			{"role":"user","content":"hi"},
			{"role":"assistant","tool_calls":[{"id":"call_1","function":{"name":"search","arguments":"{\"q\":1}"}}]},
			{"role":"tool","tool_call_id":"call_1","content":"42"}
		],
		"tools":[
			{"type":"function","function":{"name":"search","description":"d","parameters":{"type":"object"}}},
			{"type":"function","function":{"name":"mcp_files_read","description":"d"}}
		]
	}`)

	out := gjson.ParseBytes(OpenAIRequestToCursor("claude-sonnet-4-5", body, true))

	messages := out.Get("messages").Array()
	require.Len(t, messages, 3)
	// The tool result is threaded back as a user message naming the tool.
	assert.Equal(t, "user", messages[2].Get("role").String())
	assert.Contains(t, messages[2].Get("content").String(), "mcp_custom_search")
	assert.Contains(t, messages[2].Get("content").String(), "42")

	tools := out.Get("tools").Array()
	require.Len(t, tools, 2)
	assert.Equal(t, "mcp_custom_search", tools[0].Get("name").String())
	assert.Equal(t, "mcp_files_read", tools[1].Get("name").String())
}

func TestFixJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1, "b": "2"}`, FixJSON(`{'a': 1, 'b': '2'}`))
	assert.Equal(t, `{"t": "He said \"hi\""}`, FixJSON(`{'t': 'He said "hi"'}`))
	valid := `{"a":"b"}`
	assert.Equal(t, valid, FixJSON(valid))
}

func TestCleanSchemaForGemini(t *testing.T) {
	raw := `{
		"type":"object",
		"$schema":"http://json-schema.org/draft-07/schema#",
		"additionalProperties":false,
		"properties":{
			"name":{"type":["string","null"],"minLength":1,"pattern":"^a"},
			"choice":{"anyOf":[{"type":"null"},{"type":"string","format":"uuid"}]},
			"nested":{"type":"object","properties":{}}
		},
		"required":["name","missing"]
	}`
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &schema))

	cleaned := CleanSchemaForGemini(schema).(map[string]any)

	encoded, err := json.Marshal(cleaned)
	require.NoError(t, err)
	for key := range unsupportedSchemaConstraints {
		assert.NotContains(t, string(encoded), `"`+key+`"`, "keyword %s must be stripped", key)
	}

	props := cleaned["properties"].(map[string]any)
	assert.Equal(t, "string", props["name"].(map[string]any)["type"])
	assert.Equal(t, "string", props["choice"].(map[string]any)["type"])
	// Empty object schema gets a placeholder property.
	nestedProps := props["nested"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, nestedProps, "reason")
	// Required entries without a property are dropped.
	assert.Equal(t, []any{"name"}, cleaned["required"])

	// Idempotence.
	again := CleanSchemaForGemini(cleaned)
	first, _ := json.Marshal(cleaned)
	second, _ := json.Marshal(again)
	assert.JSONEq(t, string(first), string(second))
}

func TestCleanSchemaForGeminiNestedUnion(t *testing.T) {
	raw := `{"anyOf":[{"type":"null"},{"anyOf":[{"type":"string","minLength":1}]}]}`
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &schema))

	cleaned := CleanSchemaForGemini(schema).(map[string]any)

	assert.Equal(t, "string", cleaned["type"])
	assert.NotContains(t, cleaned, "anyOf")
	assert.NotContains(t, cleaned, "minLength")
}

func TestSanitizeToolsForGitHubValidPassThrough(t *testing.T) {
	body := []byte(`{"tools":[{"type":"function","function":{"name":"good_name","parameters":{}}},{"type":"function","function":{"name":"Another.name:ok-1"}}]}`)
	out := SanitizeToolsForGitHub(body)
	assert.JSONEq(t, string(body), string(out))
	// Idempotence.
	assert.JSONEq(t, string(out), string(SanitizeToolsForGitHub(out)))
}

func TestSanitizeToolsForGitHubConstraints(t *testing.T) {
	longName := strings.Repeat("a", 80)
	var tools []string
	for i := 0; i < 150; i++ {
		tools = append(tools, `{"type":"function","function":{"name":"tool_`+string(rune('a'+i%26))+strings.Repeat("x", i%5)+`_`+strings.Repeat("y", i/26)+`"}}`)
	}
	body := []byte(`{"tools":[
		{"type":"function","function":{"name":"` + longName + `"}},
		{"type":"function","function":{"name":"9bad"}},
		{"type":"function","function":{"name":"dup"}},
		{"type":"function","function":{"name":"dup"}},
		` + strings.Join(tools, ",") + `]}`)

	out := SanitizeToolsForGitHub(body)
	result := gjson.GetBytes(out, "tools").Array()
	assert.LessOrEqual(t, len(result), 128)

	pattern := githubToolNamePattern
	seen := map[string]int{}
	for _, tool := range result {
		name := tool.Get("function.name").String()
		assert.LessOrEqual(t, len(name), 64)
		assert.True(t, pattern.MatchString(name), "name %q", name)
		seen[name]++
	}
	assert.Equal(t, 1, seen["dup"])
	assert.Equal(t, 1, seen[longName[:64]])
	_, hasBad := seen["9bad"]
	assert.False(t, hasBad)
}
