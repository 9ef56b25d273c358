package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToCursor normalizes an OpenAI Chat Completions request for
// the Cursor executor, which encodes the result into protobuf. Cursor has
// no tool role, so tool results are threaded back as synthetic user
// messages naming the original tool, and tool names are rewritten into
// Cursor's mcp_ namespace.
func OpenAIRequestToCursor(modelName string, rawJSON []byte, _ bool) []byte {
	out := `{"model":"","messages":[]}`
	root := gjson.ParseBytes(rawJSON)

	out, _ = sjson.Set(out, "model", modelName)

	// Map tool_call_id -> tool name from prior assistant turns so tool
	// results can be attributed.
	toolNamesByID := map[string]string{}
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
			toolNamesByID[toolCall.Get("id").String()] = toolCall.Get("function.name").String()
			return true
		})
		return true
	})

	var messages []any
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system", "developer":
			messages = append(messages, map[string]any{"role": "user", "content": contentAsText(content)})

		case "user":
			messages = append(messages, map[string]any{"role": "user", "content": contentAsText(content)})

		case "assistant":
			text := contentAsText(content)
			var callSummaries []string
			message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
				callSummaries = append(callSummaries, fmt.Sprintf("[tool call: %s(%s)]",
					CursorToolName(toolCall.Get("function.name").String()),
					toolCall.Get("function.arguments").String()))
				return true
			})
			if len(callSummaries) > 0 {
				if text != "" {
					text += "\n"
				}
				text += strings.Join(callSummaries, "\n")
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": text})

		case "tool":
			name := toolNamesByID[message.Get("tool_call_id").String()]
			if name == "" {
				name = "tool"
			}
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": fmt.Sprintf("[tool result for %s]\n%s", CursorToolName(name), content.String()),
			})
		}
		return true
	})

	if len(messages) > 0 {
		raw, _ := json.Marshal(messages)
		out, _ = sjson.SetRaw(out, "messages", string(raw))
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		var cursorTools []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			function := tool.Get("function")
			params := "{}"
			if p := function.Get("parameters"); p.Exists() {
				params = p.Raw
			}
			cursorTools = append(cursorTools, map[string]any{
				"name":        CursorToolName(function.Get("name").String()),
				"description": function.Get("description").String(),
				"parameters":  json.RawMessage(params),
			})
			return true
		})
		if len(cursorTools) > 0 {
			raw, _ := json.Marshal(cursorTools)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	return []byte(out)
}

// CursorToolName rewrites a tool name into Cursor's mcp namespace. Names
// already carrying the mcp_ prefix pass through.
func CursorToolName(name string) string {
	if strings.HasPrefix(name, "mcp_") {
		return name
	}
	return "mcp_custom_" + name
}
