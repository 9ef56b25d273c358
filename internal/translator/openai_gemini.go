package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToGemini transforms an OpenAI Chat Completions request into
// a Gemini generateContent request. Tool schemas pass through
// CleanSchemaForGemini.
func OpenAIRequestToGemini(_ string, rawJSON []byte, _ bool) []byte {
	out := `{"contents":[]}`
	root := gjson.ParseBytes(rawJSON)

	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", topP.Float())
	}
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", maxTokens.Int())
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
			out, _ = sjson.Set(out, "generationConfig.stopSequences", sequences)
		}
	}

	// Tool call ids do not exist in Gemini; remember name by id so tool
	// results can name their functionResponse.
	toolNamesByID := map[string]string{}

	var systemParts []string
	var contents []any

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system", "developer":
			systemParts = append(systemParts, contentAsText(content))

		case "user", "assistant":
			geminiRole := "user"
			if role == "assistant" {
				geminiRole = "model"
			}
			var parts []any
			if content.Type == gjson.String && content.String() != "" {
				parts = append(parts, map[string]any{"text": content.String()})
			} else if content.IsArray() {
				content.ForEach(func(_, part gjson.Result) bool {
					switch part.Get("type").String() {
					case "text":
						parts = append(parts, map[string]any{"text": part.Get("text").String()})
					case "image_url":
						imageURL := part.Get("image_url.url").String()
						if strings.HasPrefix(imageURL, "data:") {
							if split := strings.SplitN(imageURL, ",", 2); len(split) == 2 {
								mimeType := strings.TrimPrefix(strings.Split(split[0], ";")[0], "data:")
								parts = append(parts, map[string]any{
									"inlineData": map[string]any{
										"mimeType": mimeType,
										"data":     split[1],
									},
								})
							}
						}
					}
					return true
				})
			}
			if role == "assistant" {
				message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
					name := toolCall.Get("function.name").String()
					toolNamesByID[toolCall.Get("id").String()] = name
					args := map[string]any{}
					if raw := FixJSON(toolCall.Get("function.arguments").String()); raw != "" {
						_ = json.Unmarshal([]byte(raw), &args)
					}
					parts = append(parts, map[string]any{
						"functionCall": map[string]any{"name": name, "args": args},
					})
					return true
				})
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": geminiRole, "parts": parts})
			}

		case "tool":
			name := toolNamesByID[message.Get("tool_call_id").String()]
			if name == "" {
				name = "tool"
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []any{map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"result": content.String()},
					},
				}},
			})
		}
		return true
	})

	if len(systemParts) > 0 {
		out, _ = sjson.Set(out, "systemInstruction", map[string]any{
			"parts": []any{map[string]any{"text": strings.Join(systemParts, "\n\n")}},
		})
	}
	if len(contents) > 0 {
		raw, _ := json.Marshal(contents)
		out, _ = sjson.SetRaw(out, "contents", string(raw))
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		var declarations []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			function := tool.Get("function")
			declarations = append(declarations, map[string]any{
				"name":        function.Get("name").String(),
				"description": function.Get("description").String(),
				"parameters":  CleanSchemaForGemini(function.Get("parameters").Value()),
			})
			return true
		})
		if len(declarations) > 0 {
			raw, _ := json.Marshal([]any{map[string]any{"functionDeclarations": declarations}})
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	return []byte(out)
}

// geminiToOpenAIState tracks stream identity for Gemini chunk conversion.
type geminiToOpenAIState struct {
	ResponseID string
	CreatedAt  int64
	SentRole   bool
	ToolIndex  int
	Finished   bool
}

// GeminiResponseToOpenAI converts Gemini streaming chunks into OpenAI Chat
// Completions chunks.
func GeminiResponseToOpenAI(_ context.Context, modelName string, _, _, chunk []byte, param *any) []string {
	if *param == nil {
		*param = &geminiToOpenAIState{
			ResponseID: fmt.Sprintf("chatcmpl-%x", time.Now().UnixNano()),
			CreatedAt:  nowUnix(),
		}
	}
	state := (*param).(*geminiToOpenAIState)

	payload, ok := stripDataPrefix(chunk)
	if !ok {
		return nil
	}
	if string(payload) == "[DONE]" {
		if state.Finished {
			return []string{"data: [DONE]\n\n"}
		}
		template := geminiChunkTemplate(state, modelName)
		template, _ = sjson.Set(template, "choices.0.finish_reason", "stop")
		return []string{sseData(template), "data: [DONE]\n\n"}
	}

	root := gjson.ParseBytes(payload)
	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil
	}

	var frames []string

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		template := geminiChunkTemplate(state, modelName)
		if !state.SentRole {
			state.SentRole = true
			template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		}
		switch {
		case part.Get("functionCall").Exists():
			call := part.Get("functionCall")
			arguments := "{}"
			if args := call.Get("args"); args.Exists() {
				arguments = args.Raw
			}
			toolCall := map[string]any{
				"index": state.ToolIndex,
				"id":    fmt.Sprintf("call_%x", time.Now().UnixNano()),
				"type":  "function",
				"function": map[string]any{
					"name":      call.Get("name").String(),
					"arguments": arguments,
				},
			}
			state.ToolIndex++
			template, _ = sjson.Set(template, "choices.0.delta.tool_calls", []any{toolCall})
			frames = append(frames, sseData(template))
		case part.Get("thought").Bool():
			template, _ = sjson.Set(template, "choices.0.delta.reasoning_content", part.Get("text").String())
			frames = append(frames, sseData(template))
		case part.Get("text").Exists():
			template, _ = sjson.Set(template, "choices.0.delta.content", part.Get("text").String())
			frames = append(frames, sseData(template))
		}
		return true
	})

	if finishReason := candidate.Get("finishReason"); finishReason.Exists() && finishReason.String() != "" {
		state.Finished = true
		template := geminiChunkTemplate(state, modelName)
		template, _ = sjson.Set(template, "choices.0.finish_reason", mapGeminiFinishReasonToOpenAI(finishReason.String(), state.ToolIndex > 0))
		if usage := root.Get("usageMetadata"); usage.Exists() {
			template, _ = sjson.Set(template, "usage", map[string]any{
				"prompt_tokens":     usage.Get("promptTokenCount").Int(),
				"completion_tokens": usage.Get("candidatesTokenCount").Int(),
				"total_tokens":      usage.Get("totalTokenCount").Int(),
			})
		}
		frames = append(frames, sseData(template))
	}

	return frames
}

func geminiChunkTemplate(state *geminiToOpenAIState, modelName string) string {
	template := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "id", state.ResponseID)
	template, _ = sjson.Set(template, "created", state.CreatedAt)
	template, _ = sjson.Set(template, "model", modelName)
	return template
}

// GeminiResponseToOpenAINonStream converts a complete generateContent body
// into a chat.completion envelope.
func GeminiResponseToOpenAINonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", fmt.Sprintf("chatcmpl-%x", time.Now().UnixNano()))
	out, _ = sjson.Set(out, "created", nowUnix())
	out, _ = sjson.Set(out, "model", modelName)

	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []any

	candidate := root.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			call := part.Get("functionCall")
			arguments := "{}"
			if args := call.Get("args"); args.Exists() {
				arguments = args.Raw
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   fmt.Sprintf("call_%x", time.Now().UnixNano()),
				"type": "function",
				"function": map[string]any{
					"name":      call.Get("name").String(),
					"arguments": arguments,
				},
			})
		case part.Get("thought").Bool():
			reasoning.WriteString(part.Get("text").String())
		case part.Get("text").Exists():
			text.WriteString(part.Get("text").String())
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
	out, _ = sjson.Set(out, "choices.0.finish_reason", mapGeminiFinishReasonToOpenAI(candidate.Get("finishReason").String(), len(toolCalls) > 0))

	if usage := root.Get("usageMetadata"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.prompt_tokens", usage.Get("promptTokenCount").Int())
		out, _ = sjson.Set(out, "usage.completion_tokens", usage.Get("candidatesTokenCount").Int())
		out, _ = sjson.Set(out, "usage.total_tokens", usage.Get("totalTokenCount").Int())
	}

	return out
}

func mapGeminiFinishReasonToOpenAI(reason string, hasToolCall bool) string {
	if hasToolCall {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
