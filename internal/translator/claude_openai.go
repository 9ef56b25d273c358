package translator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ClaudeRequestToOpenAI transforms an Anthropic Messages request into an
// OpenAI Chat Completions request.
func ClaudeRequestToOpenAI(modelName string, rawJSON []byte, stream bool) []byte {
	out := `{"model":"","messages":[]}`
	root := gjson.ParseBytes(rawJSON)

	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)
	if stream {
		out, _ = sjson.Set(out, "stream_options.include_usage", true)
	}

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stop := root.Get("stop_sequences"); stop.IsArray() {
		var sequences []string
		stop.ForEach(func(_, value gjson.Result) bool {
			sequences = append(sequences, value.String())
			return true
		})
		if len(sequences) > 0 {
			out, _ = sjson.Set(out, "stop", sequences)
		}
	}

	var messages []any

	if system := root.Get("system"); system.Exists() {
		text := ""
		if system.Type == gjson.String {
			text = system.String()
		} else if system.IsArray() {
			var parts []string
			system.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
				return true
			})
			text = strings.Join(parts, "\n\n")
		}
		if text != "" {
			messages = append(messages, map[string]any{"role": "system", "content": text})
		}
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if content.Type == gjson.String {
			messages = append(messages, map[string]any{"role": role, "content": content.String()})
			return true
		}

		var textParts []string
		var contentParts []any
		var toolCalls []any

		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "image":
				source := block.Get("source")
				if source.Get("type").String() == "base64" {
					contentParts = append(contentParts, map[string]any{
						"type": "image_url",
						"image_url": map[string]any{
							"url": "data:" + source.Get("media_type").String() + ";base64," + source.Get("data").String(),
						},
					})
				}
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
			case "tool_result":
				// Tool results become their own role=tool message.
				messages = append(messages, map[string]any{
					"role":         "tool",
					"tool_call_id": block.Get("tool_use_id").String(),
					"content":      flattenToolResultContent(block.Get("content")),
				})
			}
			return true
		})

		if len(toolCalls) > 0 && role == "assistant" {
			msg := map[string]any{"role": "assistant", "tool_calls": toolCalls}
			if len(textParts) > 0 {
				msg["content"] = strings.Join(textParts, "")
			}
			messages = append(messages, msg)
		} else if len(contentParts) > 0 {
			for _, text := range textParts {
				contentParts = append([]any{map[string]any{"type": "text", "text": text}}, contentParts...)
			}
			messages = append(messages, map[string]any{"role": role, "content": contentParts})
		} else if len(textParts) > 0 {
			messages = append(messages, map[string]any{"role": role, "content": strings.Join(textParts, "")})
		}
		return true
	})

	if len(messages) > 0 {
		raw, _ := json.Marshal(messages)
		out, _ = sjson.SetRaw(out, "messages", string(raw))
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		var openAITools []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			entry := map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Get("name").String(),
					"description": tool.Get("description").String(),
					"parameters":  tool.Get("input_schema").Value(),
				},
			}
			openAITools = append(openAITools, entry)
			return true
		})
		raw, _ := json.Marshal(openAITools)
		out, _ = sjson.SetRaw(out, "tools", string(raw))
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		switch toolChoice.Get("type").String() {
		case "auto":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			out, _ = sjson.Set(out, "tool_choice", map[string]any{
				"type":     "function",
				"function": map[string]any{"name": toolChoice.Get("name").String()},
			})
		}
	}

	return []byte(out)
}

// flattenToolResultContent reduces a tool_result content value, which may
// be a string or an array of text blocks, to a single string.
func flattenToolResultContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return content.Raw
}

// openAIToClaudeState accumulates per-stream state while converting OpenAI
// chunks into Anthropic SSE events.
type openAIToClaudeState struct {
	MessageID        string
	Model            string
	TextBlockStarted bool
	FinishReason     string
	BlocksStopped    bool
	MessageDeltaSent bool
	ToolCalls        map[int]*toolCallAccumulator
}

// OpenAIResponseToClaude converts OpenAI streaming chunks into Anthropic
// SSE events. Input is one SSE data line; output frames carry both the
// event name and the data payload.
func OpenAIResponseToClaude(_ context.Context, _ string, _, _, chunk []byte, param *any) []string {
	if *param == nil {
		*param = &openAIToClaudeState{ToolCalls: make(map[int]*toolCallAccumulator)}
	}
	state := (*param).(*openAIToClaudeState)

	payload, ok := stripDataPrefix(chunk)
	if !ok {
		return nil
	}
	if string(payload) == "[DONE]" {
		return openAIDoneToClaude(state)
	}

	root := gjson.ParseBytes(payload)
	if root.Get("object").String() != "chat.completion.chunk" {
		return nil
	}

	var frames []string

	if state.MessageID == "" {
		state.MessageID = root.Get("id").String()
	}
	if state.Model == "" {
		state.Model = root.Get("model").String()
	}

	delta := root.Get("choices.0.delta")
	if role := delta.Get("role"); role.String() == "assistant" {
		start, _ := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            state.MessageID,
				"type":          "message",
				"role":          "assistant",
				"model":         state.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		frames = append(frames, sseEvent("message_start", string(start)))
	}

	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if !state.TextBlockStarted {
			start, _ := json.Marshal(map[string]any{
				"type":          "content_block_start",
				"index":         0,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			frames = append(frames, sseEvent("content_block_start", string(start)))
			state.TextBlockStarted = true
		}
		textDelta, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": content.String()},
		})
		frames = append(frames, sseEvent("content_block_delta", string(textDelta)))
	}

	if toolCalls := delta.Get("tool_calls"); toolCalls.IsArray() {
		toolCalls.ForEach(func(_, toolCall gjson.Result) bool {
			index := int(toolCall.Get("index").Int())
			acc, exists := state.ToolCalls[index]
			if !exists {
				acc = &toolCallAccumulator{}
				state.ToolCalls[index] = acc
			}
			if id := toolCall.Get("id"); id.Exists() {
				acc.ID = id.String()
			}
			function := toolCall.Get("function")
			if name := function.Get("name"); name.Exists() && name.String() != "" {
				acc.Name = name.String()
				if state.TextBlockStarted {
					state.TextBlockStarted = false
					stop, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": 0})
					frames = append(frames, sseEvent("content_block_stop", string(stop)))
				}
				// Tool blocks sit after the text block at index 0.
				start, _ := json.Marshal(map[string]any{
					"type":  "content_block_start",
					"index": index + 1,
					"content_block": map[string]any{
						"type":  "tool_use",
						"id":    acc.ID,
						"name":  acc.Name,
						"input": map[string]any{},
					},
				})
				frames = append(frames, sseEvent("content_block_start", string(start)))
			}
			if args := function.Get("arguments"); args.Exists() && args.String() != "" {
				acc.Arguments.WriteString(args.String())
			}
			return true
		})
	}

	if finishReason := root.Get("choices.0.finish_reason"); finishReason.Exists() && finishReason.String() != "" {
		state.FinishReason = finishReason.String()

		if !state.BlocksStopped {
			if state.TextBlockStarted {
				stop, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": 0})
				frames = append(frames, sseEvent("content_block_stop", string(stop)))
			}
			for index, acc := range state.ToolCalls {
				if acc.Arguments.Len() > 0 {
					inputDelta, _ := json.Marshal(map[string]any{
						"type":  "content_block_delta",
						"index": index + 1,
						"delta": map[string]any{
							"type":         "input_json_delta",
							"partial_json": FixJSON(acc.Arguments.String()),
						},
					})
					frames = append(frames, sseEvent("content_block_delta", string(inputDelta)))
				}
				stop, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": index + 1})
				frames = append(frames, sseEvent("content_block_stop", string(stop)))
			}
			state.BlocksStopped = true
		}
	}

	if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null && state.FinishReason != "" {
		promptTokens := usage.Get("prompt_tokens")
		completionTokens := usage.Get("completion_tokens")
		if promptTokens.Exists() && completionTokens.Exists() {
			messageDelta, _ := json.Marshal(map[string]any{
				"type": "message_delta",
				"delta": map[string]any{
					"stop_reason":   mapOpenAIFinishReasonToClaude(state.FinishReason),
					"stop_sequence": nil,
				},
				"usage": map[string]any{
					"input_tokens":  promptTokens.Int(),
					"output_tokens": completionTokens.Int(),
				},
			})
			frames = append(frames, sseEvent("message_delta", string(messageDelta)))
			state.MessageDeltaSent = true
		}
	}

	return frames
}

func openAIDoneToClaude(state *openAIToClaudeState) []string {
	var frames []string
	if state.FinishReason != "" && !state.MessageDeltaSent {
		messageDelta, _ := json.Marshal(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   mapOpenAIFinishReasonToClaude(state.FinishReason),
				"stop_sequence": nil,
			},
		})
		frames = append(frames, sseEvent("message_delta", string(messageDelta)))
		state.MessageDeltaSent = true
	}
	frames = append(frames, sseEvent("message_stop", `{"type":"message_stop"}`))
	return frames
}

// OpenAIResponseToClaudeNonStream converts a complete chat.completion body
// into an Anthropic message.
func OpenAIResponseToClaudeNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", modelName)

	var blocks []any
	hasToolCall := false

	choice := root.Get("choices.0")
	if content := choice.Get("message.content"); content.Exists() && content.String() != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": content.String()})
	}
	if reasoning := choice.Get("message.reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
		blocks = append([]any{map[string]any{"type": "thinking", "thinking": reasoning.String()}}, blocks...)
	}
	choice.Get("message.tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
		hasToolCall = true
		toolUse := map[string]any{
			"type":  "tool_use",
			"id":    toolCall.Get("id").String(),
			"name":  toolCall.Get("function.name").String(),
			"input": map[string]any{},
		}
		if args := FixJSON(toolCall.Get("function.arguments").String()); args != "" {
			var parsed any
			if err := json.Unmarshal([]byte(args), &parsed); err == nil {
				toolUse["input"] = parsed
			}
		}
		blocks = append(blocks, toolUse)
		return true
	})

	if blocks == nil {
		blocks = []any{}
	}
	raw, _ := json.Marshal(blocks)
	out, _ = sjson.SetRaw(out, "content", string(raw))

	stopReason := mapOpenAIFinishReasonToClaude(choice.Get("finish_reason").String())
	if hasToolCall {
		stopReason = "tool_use"
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)

	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	}

	return out
}

func mapOpenAIFinishReasonToClaude(reason string) string {
	switch reason {
	case "stop", "content_filter":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}
