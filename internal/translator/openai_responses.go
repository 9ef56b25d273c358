package translator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToResponses transforms an OpenAI Chat Completions request
// into a Responses API request. Used when GitHub Copilot reroutes a Codex
// model to the /responses endpoint.
func OpenAIRequestToResponses(modelName string, rawJSON []byte, stream bool) []byte {
	out := `{"model":"","input":[]}`
	root := gjson.ParseBytes(rawJSON)

	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", maxTokens.Int())
	} else if maxTokens = root.Get("max_completion_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}

	var instructions []string
	var input []any

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system", "developer":
			instructions = append(instructions, contentAsText(content))

		case "user", "assistant":
			partType := "input_text"
			if role == "assistant" {
				partType = "output_text"
			}
			if text := contentAsText(content); text != "" {
				input = append(input, map[string]any{
					"type":    "message",
					"role":    role,
					"content": []any{map[string]any{"type": partType, "text": text}},
				})
			}
			if role == "assistant" {
				message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
					input = append(input, map[string]any{
						"type":      "function_call",
						"call_id":   toolCall.Get("id").String(),
						"name":      toolCall.Get("function.name").String(),
						"arguments": toolCall.Get("function.arguments").String(),
					})
					return true
				})
			}

		case "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": message.Get("tool_call_id").String(),
				"output":  content.String(),
			})
		}
		return true
	})

	if len(instructions) > 0 {
		out, _ = sjson.Set(out, "instructions", strings.Join(instructions, "\n\n"))
	}
	if len(input) > 0 {
		raw, _ := json.Marshal(input)
		out, _ = sjson.SetRaw(out, "input", string(raw))
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		var responsesTools []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			function := tool.Get("function")
			responsesTools = append(responsesTools, map[string]any{
				"type":        "function",
				"name":        function.Get("name").String(),
				"description": function.Get("description").String(),
				"parameters":  function.Get("parameters").Value(),
			})
			return true
		})
		if len(responsesTools) > 0 {
			raw, _ := json.Marshal(responsesTools)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() && toolChoice.Type == gjson.String {
		out, _ = sjson.Set(out, "tool_choice", toolChoice.String())
	}

	return []byte(out)
}

func contentAsText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text", "input_text", "output_text":
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return ""
}

// responsesToOpenAIState carries stream identity captured from
// response.created across subsequent events.
type responsesToOpenAIState struct {
	ResponseID string
	CreatedAt  int64
	Model      string
	SentRole   bool
}

// ResponsesResponseToOpenAI converts Responses API streaming events into
// OpenAI Chat Completions chunks.
func ResponsesResponseToOpenAI(_ context.Context, modelName string, _, _, chunk []byte, param *any) []string {
	if *param == nil {
		*param = &responsesToOpenAIState{}
	}
	state := (*param).(*responsesToOpenAIState)

	payload, ok := stripDataPrefix(chunk)
	if !ok {
		return nil
	}
	if string(payload) == "[DONE]" {
		return []string{"data: [DONE]\n\n"}
	}

	root := gjson.ParseBytes(payload)
	eventType := root.Get("type").String()

	if eventType == "response.created" {
		state.ResponseID = root.Get("response.id").String()
		state.CreatedAt = root.Get("response.created_at").Int()
		state.Model = root.Get("response.model").String()
		return nil
	}

	template := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "id", state.ResponseID)
	template, _ = sjson.Set(template, "created", state.CreatedAt)
	if state.Model != "" {
		template, _ = sjson.Set(template, "model", state.Model)
	} else {
		template, _ = sjson.Set(template, "model", modelName)
	}
	if !state.SentRole {
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
	}

	switch eventType {
	case "response.output_text.delta":
		state.SentRole = true
		template, _ = sjson.Set(template, "choices.0.delta.content", root.Get("delta").String())
		return []string{sseData(template)}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		state.SentRole = true
		template, _ = sjson.Set(template, "choices.0.delta.reasoning_content", root.Get("delta").String())
		return []string{sseData(template)}

	case "response.output_item.done":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		state.SentRole = true
		toolCall := map[string]any{
			"index": int(root.Get("output_index").Int()),
			"id":    item.Get("call_id").String(),
			"type":  "function",
			"function": map[string]any{
				"name":      item.Get("name").String(),
				"arguments": item.Get("arguments").String(),
			},
		}
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls", []any{toolCall})
		return []string{sseData(template)}

	case "response.completed":
		finishReason := "stop"
		hasToolCall := false
		root.Get("response.output").ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "function_call" {
				hasToolCall = true
				return false
			}
			return true
		})
		if hasToolCall {
			finishReason = "tool_calls"
		}
		template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason)
		if usage := root.Get("response.usage"); usage.Exists() {
			template, _ = sjson.Set(template, "usage", map[string]any{
				"prompt_tokens":     usage.Get("input_tokens").Int(),
				"completion_tokens": usage.Get("output_tokens").Int(),
				"total_tokens":      usage.Get("total_tokens").Int(),
			})
		}
		return []string{sseData(template)}

	case "response.failed":
		message := root.Get("response.error.message").String()
		errPayload, _ := json.Marshal(map[string]any{"error": map[string]any{
			"message": message,
			"type":    "server_error",
		}})
		return []string{sseData(string(errPayload)), "data: [DONE]\n\n"}
	}

	return nil
}

// ResponsesResponseToOpenAINonStream converts a complete Responses API body
// into a chat.completion envelope.
func ResponsesResponseToOpenAINonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	if root.Get("object").String() == "response" && root.Get("response").Exists() {
		root = root.Get("response")
	}
	if inner := root.Get("response"); inner.Exists() && root.Get("type").String() == "response.completed" {
		root = inner
	}

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", root.Get("created_at").Int())
	if model := root.Get("model").String(); model != "" {
		out, _ = sjson.Set(out, "model", model)
	} else {
		out, _ = sjson.Set(out, "model", modelName)
	}

	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []any

	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					text.WriteString(part.Get("text").String())
				}
				return true
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "summary_text" {
					reasoning.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			toolCalls = append(toolCalls, map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
		}
		return true
	})

	out, _ = sjson.Set(out, "choices.0.message.content", text.String())
	if reasoning.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning.String())
	}
	if len(toolCalls) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.tool_calls", toolCalls)
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	}

	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.prompt_tokens", usage.Get("input_tokens").Int())
		out, _ = sjson.Set(out, "usage.completion_tokens", usage.Get("output_tokens").Int())
		out, _ = sjson.Set(out, "usage.total_tokens", usage.Get("total_tokens").Int())
	}

	return out
}
