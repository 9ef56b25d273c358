package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponsesRequestToOpenAI transforms an inbound Responses API request into
// an OpenAI Chat Completions request, for providers that only speak chat.
func ResponsesRequestToOpenAI(modelName string, rawJSON []byte, stream bool) []byte {
	out := `{"model":"","messages":[]}`
	root := gjson.ParseBytes(rawJSON)

	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)

	if maxTokens := root.Get("max_output_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}

	var messages []any

	if instructions := root.Get("instructions"); instructions.String() != "" {
		messages = append(messages, map[string]any{"role": "system", "content": instructions.String()})
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		messages = append(messages, map[string]any{"role": "user", "content": input.String()})
	} else if input.IsArray() {
		input.ForEach(func(_, item gjson.Result) bool {
			itemType := item.Get("type").String()
			// Bare {role, content} items are treated as messages.
			if itemType == "" && item.Get("role").Exists() {
				itemType = "message"
			}
			switch itemType {
			case "message":
				role := item.Get("role").String()
				if role == "developer" {
					role = "system"
				}
				messages = append(messages, map[string]any{
					"role":    role,
					"content": contentAsText(item.Get("content")),
				})
			case "function_call":
				messages = append(messages, map[string]any{
					"role": "assistant",
					"tool_calls": []any{map[string]any{
						"id":   item.Get("call_id").String(),
						"type": "function",
						"function": map[string]any{
							"name":      item.Get("name").String(),
							"arguments": item.Get("arguments").String(),
						},
					}},
				})
			case "function_call_output":
				messages = append(messages, map[string]any{
					"role":         "tool",
					"tool_call_id": item.Get("call_id").String(),
					"content":      item.Get("output").String(),
				})
			}
			return true
		})
	}

	if len(messages) > 0 {
		raw, _ := json.Marshal(messages)
		out, _ = sjson.SetRaw(out, "messages", string(raw))
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		var chatTools []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			chatTools = append(chatTools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Get("name").String(),
					"description": tool.Get("description").String(),
					"parameters":  tool.Get("parameters").Value(),
				},
			})
			return true
		})
		if len(chatTools) > 0 {
			raw, _ := json.Marshal(chatTools)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	return []byte(out)
}

// openAIToResponsesState accumulates chat chunks while synthesising
// Responses API events.
type openAIToResponsesState struct {
	ResponseID   string
	ItemID       string
	CreatedAt    int64
	Model        string
	Started      bool
	TextStarted  bool
	Text         strings.Builder
	ToolCalls    map[int]*toolCallAccumulator
	FinishReason string
	Usage        map[string]any
	Completed    bool
}

// OpenAIResponseToResponses converts OpenAI Chat Completions chunks into
// Responses API streaming events.
func OpenAIResponseToResponses(_ context.Context, modelName string, _, _, chunk []byte, param *any) []string {
	if *param == nil {
		*param = &openAIToResponsesState{ToolCalls: make(map[int]*toolCallAccumulator)}
	}
	state := (*param).(*openAIToResponsesState)

	payload, ok := stripDataPrefix(chunk)
	if !ok {
		return nil
	}
	if string(payload) == "[DONE]" {
		return responsesCompleted(state)
	}

	root := gjson.ParseBytes(payload)
	if root.Get("object").String() != "chat.completion.chunk" {
		return nil
	}

	var frames []string

	if !state.Started {
		state.Started = true
		state.ResponseID = "resp_" + uuid.NewString()
		state.ItemID = "msg_" + uuid.NewString()
		state.CreatedAt = root.Get("created").Int()
		if state.CreatedAt == 0 {
			state.CreatedAt = nowUnix()
		}
		state.Model = root.Get("model").String()
		if state.Model == "" {
			state.Model = modelName
		}
		created, _ := json.Marshal(map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":         state.ResponseID,
				"object":     "response",
				"created_at": state.CreatedAt,
				"status":     "in_progress",
				"model":      state.Model,
				"output":     []any{},
			},
		})
		frames = append(frames, sseEvent("response.created", string(created)))
	}

	delta := root.Get("choices.0.delta")

	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if !state.TextStarted {
			state.TextStarted = true
			added, _ := json.Marshal(map[string]any{
				"type":         "response.output_item.added",
				"output_index": 0,
				"item": map[string]any{
					"id":      state.ItemID,
					"type":    "message",
					"role":    "assistant",
					"status":  "in_progress",
					"content": []any{},
				},
			})
			frames = append(frames, sseEvent("response.output_item.added", string(added)))
		}
		state.Text.WriteString(content.String())
		textDelta, _ := json.Marshal(map[string]any{
			"type":         "response.output_text.delta",
			"item_id":      state.ItemID,
			"output_index": 0,
			"delta":        content.String(),
		})
		frames = append(frames, sseEvent("response.output_text.delta", string(textDelta)))
	}

	delta.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
		index := int(toolCall.Get("index").Int())
		acc, exists := state.ToolCalls[index]
		if !exists {
			acc = &toolCallAccumulator{}
			state.ToolCalls[index] = acc
		}
		if id := toolCall.Get("id"); id.String() != "" {
			acc.ID = id.String()
		}
		if name := toolCall.Get("function.name"); name.String() != "" {
			acc.Name = name.String()
		}
		acc.Arguments.WriteString(toolCall.Get("function.arguments").String())
		return true
	})

	if finishReason := root.Get("choices.0.finish_reason"); finishReason.String() != "" {
		state.FinishReason = finishReason.String()
	}
	if usage := root.Get("usage"); usage.Exists() && usage.Type == gjson.JSON {
		state.Usage = map[string]any{
			"input_tokens":  usage.Get("prompt_tokens").Int(),
			"output_tokens": usage.Get("completion_tokens").Int(),
			"total_tokens":  usage.Get("total_tokens").Int(),
		}
	}

	return frames
}

func responsesCompleted(state *openAIToResponsesState) []string {
	if state.Completed {
		return nil
	}
	state.Completed = true

	var frames []string
	var output []any

	if state.TextStarted {
		item := map[string]any{
			"id":     state.ItemID,
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": state.Text.String(),
			}},
		}
		done, _ := json.Marshal(map[string]any{
			"type":         "response.output_item.done",
			"output_index": 0,
			"item":         item,
		})
		frames = append(frames, sseEvent("response.output_item.done", string(done)))
		output = append(output, item)
	}

	indexes := make([]int, 0, len(state.ToolCalls))
	for index := range state.ToolCalls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	outputIndex := len(output)
	for _, index := range indexes {
		acc := state.ToolCalls[index]
		arguments := acc.Arguments.String()
		if arguments == "" {
			arguments = "{}"
		}
		item := map[string]any{
			"id":        fmt.Sprintf("fc_%s", uuid.NewString()),
			"type":      "function_call",
			"call_id":   acc.ID,
			"name":      acc.Name,
			"arguments": arguments,
			"status":    "completed",
		}
		done, _ := json.Marshal(map[string]any{
			"type":         "response.output_item.done",
			"output_index": outputIndex,
			"item":         item,
		})
		frames = append(frames, sseEvent("response.output_item.done", string(done)))
		output = append(output, item)
		outputIndex++
	}

	response := map[string]any{
		"id":         state.ResponseID,
		"object":     "response",
		"created_at": state.CreatedAt,
		"status":     "completed",
		"model":      state.Model,
		"output":     output,
	}
	if state.Usage != nil {
		response["usage"] = state.Usage
	}
	completed, _ := json.Marshal(map[string]any{
		"type":     "response.completed",
		"response": response,
	})
	frames = append(frames, sseEvent("response.completed", string(completed)))
	return frames
}

// OpenAIResponseToResponsesNonStream converts a complete chat.completion
// body into a Responses API response object.
func OpenAIResponseToResponsesNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"response","created_at":0,"status":"completed","model":"","output":[]}`
	id := root.Get("id").String()
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "created_at", root.Get("created").Int())
	if model := root.Get("model").String(); model != "" {
		out, _ = sjson.Set(out, "model", model)
	} else {
		out, _ = sjson.Set(out, "model", modelName)
	}

	var output []any
	message := root.Get("choices.0.message")
	if content := message.Get("content"); content.String() != "" {
		output = append(output, map[string]any{
			"id":     "msg_" + uuid.NewString(),
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": content.String(),
			}},
		})
	}
	message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
		output = append(output, map[string]any{
			"id":        "fc_" + uuid.NewString(),
			"type":      "function_call",
			"call_id":   toolCall.Get("id").String(),
			"name":      toolCall.Get("function.name").String(),
			"arguments": toolCall.Get("function.arguments").String(),
			"status":    "completed",
		})
		return true
	})

	if output != nil {
		raw, _ := json.Marshal(output)
		out, _ = sjson.SetRaw(out, "output", string(raw))
	}

	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "usage", map[string]any{
			"input_tokens":  usage.Get("prompt_tokens").Int(),
			"output_tokens": usage.Get("completion_tokens").Int(),
			"total_tokens":  usage.Get("total_tokens").Int(),
		})
	}

	return out
}
