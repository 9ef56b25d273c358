package translator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToClaude transforms an OpenAI Chat Completions request into
// an Anthropic Messages request.
func OpenAIRequestToClaude(modelName string, rawJSON []byte, stream bool) []byte {
	out := `{"model":"","max_tokens":32000,"messages":[]}`
	root := gjson.ParseBytes(rawJSON)

	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	} else if maxTokens = root.Get("max_completion_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stop := root.Get("stop"); stop.Exists() {
		var sequences []string
		if stop.IsArray() {
			stop.ForEach(func(_, value gjson.Result) bool {
				sequences = append(sequences, value.String())
				return true
			})
		} else {
			sequences = []string{stop.String()}
		}
		if len(sequences) > 0 {
			out, _ = sjson.Set(out, "stop_sequences", sequences)
		}
	}

	var systemParts []string
	var messages []any

	if inbound := root.Get("messages"); inbound.IsArray() {
		inbound.ForEach(func(_, message gjson.Result) bool {
			role := message.Get("role").String()
			content := message.Get("content")

			switch role {
			case "system", "developer":
				// Anthropic carries system instructions at the top level.
				if content.Type == gjson.String {
					systemParts = append(systemParts, content.String())
				} else if content.IsArray() {
					content.ForEach(func(_, part gjson.Result) bool {
						if part.Get("type").String() == "text" {
							systemParts = append(systemParts, part.Get("text").String())
						}
						return true
					})
				}

			case "user", "assistant":
				messages = append(messages, openAIMessageToClaude(role, message, content))

			case "tool":
				messages = append(messages, map[string]any{
					"role": "user",
					"content": []any{map[string]any{
						"type":        "tool_result",
						"tool_use_id": message.Get("tool_call_id").String(),
						"content":     content.String(),
					}},
				})
			}
			return true
		})
	}

	if len(systemParts) > 0 {
		out, _ = sjson.Set(out, "system", strings.Join(systemParts, "\n\n"))
	}
	if len(messages) > 0 {
		raw, _ := json.Marshal(messages)
		out, _ = sjson.SetRaw(out, "messages", string(raw))
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		var claudeTools []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			function := tool.Get("function")
			entry := map[string]any{
				"name":        function.Get("name").String(),
				"description": function.Get("description").String(),
			}
			if params := function.Get("parameters"); params.Exists() {
				entry["input_schema"] = params.Value()
			} else {
				entry["input_schema"] = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			claudeTools = append(claudeTools, entry)
			return true
		})
		if len(claudeTools) > 0 {
			raw, _ := json.Marshal(claudeTools)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		switch toolChoice.Type {
		case gjson.String:
			switch toolChoice.String() {
			case "auto":
				out, _ = sjson.Set(out, "tool_choice", map[string]any{"type": "auto"})
			case "required":
				out, _ = sjson.Set(out, "tool_choice", map[string]any{"type": "any"})
			}
		case gjson.JSON:
			if toolChoice.Get("type").String() == "function" {
				out, _ = sjson.Set(out, "tool_choice", map[string]any{
					"type": "tool",
					"name": toolChoice.Get("function.name").String(),
				})
			}
		}
	}

	return []byte(out)
}

func openAIMessageToClaude(role string, message, content gjson.Result) map[string]any {
	var parts []any

	if content.Type == gjson.String && content.String() != "" {
		parts = append(parts, map[string]any{"type": "text", "text": content.String()})
	} else if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text":
				parts = append(parts, map[string]any{"type": "text", "text": part.Get("text").String()})
			case "image_url":
				imageURL := part.Get("image_url.url").String()
				if strings.HasPrefix(imageURL, "data:") {
					if split := strings.SplitN(imageURL, ",", 2); len(split) == 2 {
						mediaType := strings.TrimPrefix(strings.Split(split[0], ";")[0], "data:")
						parts = append(parts, map[string]any{
							"type": "image",
							"source": map[string]any{
								"type":       "base64",
								"media_type": mediaType,
								"data":       split[1],
							},
						})
					}
				}
			}
			return true
		})
	}

	if role == "assistant" {
		if toolCalls := message.Get("tool_calls"); toolCalls.IsArray() {
			toolCalls.ForEach(func(_, toolCall gjson.Result) bool {
				if toolCall.Get("type").String() != "function" {
					return true
				}
				id := toolCall.Get("id").String()
				if id == "" {
					id = generateToolCallID()
				}
				toolUse := map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  toolCall.Get("function.name").String(),
					"input": map[string]any{},
				}
				if args := FixJSON(toolCall.Get("function.arguments").String()); args != "" {
					var parsed map[string]any
					if err := json.Unmarshal([]byte(args), &parsed); err == nil {
						toolUse["input"] = parsed
					}
				}
				parts = append(parts, toolUse)
				return true
			})
		}
	}

	if parts == nil {
		parts = []any{}
	}
	return map[string]any{"role": role, "content": parts}
}

// claudeToOpenAIState accumulates per-stream state while converting
// Anthropic SSE events into OpenAI chunks.
type claudeToOpenAIState struct {
	ResponseID   string
	CreatedAt    int64
	FinishReason string
	ToolCalls    map[int]*toolCallAccumulator
}

type toolCallAccumulator struct {
	ID        string
	Name      string
	Arguments strings.Builder
}

// ClaudeResponseToOpenAI converts Anthropic streaming events into OpenAI
// Chat Completions chunks. Input is one SSE data line; output is zero or
// more complete SSE frames.
func ClaudeResponseToOpenAI(_ context.Context, modelName string, _, _, chunk []byte, param *any) []string {
	if *param == nil {
		*param = &claudeToOpenAIState{ToolCalls: make(map[int]*toolCallAccumulator)}
	}
	state := (*param).(*claudeToOpenAIState)

	payload, ok := stripDataPrefix(chunk)
	if !ok {
		return nil
	}
	if string(payload) == "[DONE]" {
		return []string{"data: [DONE]\n\n"}
	}

	root := gjson.ParseBytes(payload)
	eventType := root.Get("type").String()

	template := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "id", state.ResponseID)
	template, _ = sjson.Set(template, "created", state.CreatedAt)
	template, _ = sjson.Set(template, "model", modelName)

	switch eventType {
	case "message_start":
		state.ResponseID = root.Get("message.id").String()
		state.CreatedAt = nowUnix()
		template, _ = sjson.Set(template, "id", state.ResponseID)
		template, _ = sjson.Set(template, "created", state.CreatedAt)
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		return []string{sseData(template)}

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			index := int(root.Get("index").Int())
			state.ToolCalls[index] = &toolCallAccumulator{
				ID:   block.Get("id").String(),
				Name: block.Get("name").String(),
			}
		}
		return nil

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			template, _ = sjson.Set(template, "choices.0.delta.content", delta.Get("text").String())
			return []string{sseData(template)}
		case "thinking_delta":
			template, _ = sjson.Set(template, "choices.0.delta.reasoning_content", delta.Get("thinking").String())
			return []string{sseData(template)}
		case "input_json_delta":
			index := int(root.Get("index").Int())
			if acc, exists := state.ToolCalls[index]; exists {
				acc.Arguments.WriteString(delta.Get("partial_json").String())
			}
			return nil
		}
		return nil

	case "content_block_stop":
		index := int(root.Get("index").Int())
		acc, exists := state.ToolCalls[index]
		if !exists {
			return nil
		}
		arguments := acc.Arguments.String()
		if arguments == "" {
			arguments = "{}"
		}
		toolCall := map[string]any{
			"index": index,
			"id":    acc.ID,
			"type":  "function",
			"function": map[string]any{
				"name":      acc.Name,
				"arguments": arguments,
			},
		}
		delete(state.ToolCalls, index)
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls", []any{toolCall})
		return []string{sseData(template)}

	case "message_delta":
		if stopReason := root.Get("delta.stop_reason"); stopReason.Exists() {
			state.FinishReason = mapClaudeStopReasonToOpenAI(stopReason.String())
			template, _ = sjson.Set(template, "choices.0.finish_reason", state.FinishReason)
		}
		if usage := root.Get("usage"); usage.Exists() {
			template, _ = sjson.Set(template, "usage", map[string]any{
				"prompt_tokens":     usage.Get("input_tokens").Int(),
				"completion_tokens": usage.Get("output_tokens").Int(),
				"total_tokens":      usage.Get("input_tokens").Int() + usage.Get("output_tokens").Int(),
			})
		}
		return []string{sseData(template)}

	case "message_stop":
		return []string{"data: [DONE]\n\n"}

	case "error":
		errPayload, _ := json.Marshal(map[string]any{"error": map[string]any{
			"message": root.Get("error.message").String(),
			"type":    root.Get("error.type").String(),
		}})
		return []string{sseData(string(errPayload)), "data: [DONE]\n\n"}
	}

	return nil
}

// ClaudeResponseToOpenAINonStream converts a complete Anthropic message
// into an OpenAI chat.completion envelope.
func ClaudeResponseToOpenAINonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", nowUnix())
	out, _ = sjson.Set(out, "model", modelName)

	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []any

	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "thinking":
			reasoning.WriteString(block.Get("thinking").String())
		case "tool_use":
			arguments := "{}"
			if input := block.Get("input"); input.Exists() {
				arguments = input.Raw
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": arguments,
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
	}

	finishReason := mapClaudeStopReasonToOpenAI(root.Get("stop_reason").String())
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)

	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.prompt_tokens", usage.Get("input_tokens").Int())
		out, _ = sjson.Set(out, "usage.completion_tokens", usage.Get("output_tokens").Int())
		out, _ = sjson.Set(out, "usage.total_tokens", usage.Get("input_tokens").Int()+usage.Get("output_tokens").Int())
	}

	return out
}

func mapClaudeStopReasonToOpenAI(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
