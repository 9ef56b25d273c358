package translator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OllamaRequestToOpenAI transforms an Ollama /api/chat request into an
// OpenAI Chat Completions request.
func OllamaRequestToOpenAI(modelName string, rawJSON []byte, stream bool) []byte {
	out := `{"model":"","messages":[]}`
	root := gjson.ParseBytes(rawJSON)

	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)

	var messages []any
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		messages = append(messages, map[string]any{
			"role":    message.Get("role").String(),
			"content": message.Get("content").String(),
		})
		return true
	})
	if len(messages) > 0 {
		raw, _ := json.Marshal(messages)
		out, _ = sjson.SetRaw(out, "messages", string(raw))
	}

	options := root.Get("options")
	if temp := options.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := options.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if numPredict := options.Get("num_predict"); numPredict.Exists() {
		out, _ = sjson.Set(out, "max_tokens", numPredict.Int())
	}

	return []byte(out)
}

// ollamaState accumulates content for the final done frame.
type ollamaState struct {
	Content strings.Builder
	Done    bool
}

// OpenAIResponseToOllama converts OpenAI chunks into Ollama chat frames.
// Ollama streams newline-delimited JSON objects rather than SSE.
func OpenAIResponseToOllama(_ context.Context, modelName string, _, _, chunk []byte, param *any) []string {
	if *param == nil {
		*param = &ollamaState{}
	}
	state := (*param).(*ollamaState)

	payload, ok := stripDataPrefix(chunk)
	if !ok {
		return nil
	}
	if string(payload) == "[DONE]" {
		if state.Done {
			return nil
		}
		state.Done = true
		return []string{ollamaFrame(modelName, "", true)}
	}

	root := gjson.ParseBytes(payload)
	if root.Get("object").String() != "chat.completion.chunk" {
		return nil
	}
	content := root.Get("choices.0.delta.content").String()
	if content == "" {
		return nil
	}
	state.Content.WriteString(content)
	return []string{ollamaFrame(modelName, content, false)}
}

// OpenAIResponseToOllamaNonStream collapses a chat.completion body into a
// single done=true Ollama frame.
func OpenAIResponseToOllamaNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	content := root.Get("choices.0.message.content").String()

	out := ollamaFrame(modelName, content, true)
	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "prompt_eval_count", usage.Get("prompt_tokens").Int())
		out, _ = sjson.Set(out, "eval_count", usage.Get("completion_tokens").Int())
	}
	return out
}

func ollamaFrame(model, content string, done bool) string {
	frame, _ := json.Marshal(map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message":    map[string]any{"role": "assistant", "content": content},
		"done":       done,
	})
	return string(frame)
}
