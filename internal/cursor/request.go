package cursor

import (
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Frozen field numbers of StreamUnifiedChatRequestWithTools and its
// submessages. These mirror Cursor's protobuf schema and must not change.
const (
	fieldWithToolsRequest    = 1
	fieldWithToolsToolResult = 2

	fieldRequestMessages           = 1
	fieldRequestModel              = 5
	fieldRequestWebTool            = 8
	fieldRequestCursorSetting      = 15
	fieldRequestConversationID     = 23
	fieldRequestMetadata           = 26
	fieldRequestIsAgentic          = 27
	fieldRequestSupportedTools     = 29
	fieldRequestMessageIDs         = 30
	fieldRequestMCPTools           = 34
	fieldRequestLargeContext       = 35
	fieldRequestUnifiedMode        = 46
	fieldRequestShouldDisableTools = 48
	fieldRequestThinkingLevel      = 49
	fieldRequestUnifiedModeName    = 54

	fieldMessageContent        = 1
	fieldMessageRole           = 2
	fieldMessageID             = 13
	fieldMessageToolResults    = 18
	fieldMessageIsAgentic      = 29
	fieldMessageServerBubbleID = 32
	fieldMessageUnifiedMode    = 47
	fieldMessageSupportedTools = 51
)

// Message roles on the wire.
const (
	RoleUser      = 1
	RoleAssistant = 2
)

// ToolIDDelimiter splits the external tool-call id from Cursor's internal
// id inside a combined identifier.
const ToolIDDelimiter = "\nmc_"

// BuildRequest encodes a normalized chat request (the openai-chat shaped
// JSON produced by the cursor translator edge) into the protobuf body of a
// StreamUnifiedChatRequestWithTools message.
func BuildRequest(body []byte, modelName string) []byte {
	root := gjson.ParseBytes(body)

	request := &encoder{}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		msg := &encoder{}
		msg.writeString(fieldMessageContent, message.Get("content").String())
		role := RoleUser
		if message.Get("role").String() == "assistant" {
			role = RoleAssistant
		}
		msg.writeVarint(fieldMessageRole, uint64(role))
		msg.writeString(fieldMessageID, uuid.NewString())
		request.writeMessage(fieldRequestMessages, msg)
		return true
	})

	model := &encoder{}
	model.writeString(1, modelName)
	request.writeMessage(fieldRequestModel, model)

	request.writeVarint(fieldRequestWebTool, 0)

	setting := &encoder{}
	setting.writeString(1, "{}")
	request.writeMessage(fieldRequestCursorSetting, setting)

	request.writeString(fieldRequestConversationID, uuid.NewString())

	metadata := &encoder{}
	metadata.writeString(1, "linux")
	metadata.writeString(2, "x64")
	request.writeMessage(fieldRequestMetadata, metadata)

	request.writeBool(fieldRequestIsAgentic, true)

	hasTools := root.Get("tools").IsArray() && len(root.Get("tools").Array()) > 0
	if hasTools {
		request.writeVarint(fieldRequestSupportedTools, 1)
	}

	root.Get("messages").ForEach(func(_, _ gjson.Result) bool {
		request.writeString(fieldRequestMessageIDs, uuid.NewString())
		return true
	})

	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		mcpTool := &encoder{}
		mcpTool.writeString(1, tool.Get("name").String())
		mcpTool.writeString(2, tool.Get("description").String())
		params := tool.Get("parameters").Raw
		if params == "" {
			params = "{}"
		}
		mcpTool.writeString(3, params)
		request.writeMessage(fieldRequestMCPTools, mcpTool)
		return true
	})

	request.writeBool(fieldRequestLargeContext, true)
	request.writeVarint(fieldRequestUnifiedMode, 2)
	request.writeBool(fieldRequestShouldDisableTools, !hasTools)
	request.writeVarint(fieldRequestThinkingLevel, 1)
	request.writeString(fieldRequestUnifiedModeName, "agent")

	withTools := &encoder{}
	withTools.writeMessage(fieldWithToolsRequest, request)
	return withTools.buf
}
