package cursor

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Response field numbers (frozen).
const (
	fieldResponseToolCall = 1
	fieldResponseBody     = 2
	fieldResponseThinking = 25

	fieldBodyText     = 1
	fieldThinkingText = 1

	fieldToolCallID   = 1
	fieldToolCallName = 2
	fieldToolCallArgs = 3
)

// EventType classifies a decoded response payload.
type EventType int

// Response payload kinds.
const (
	EventText EventType = iota
	EventThinking
	EventToolCall
	EventError
	EventEmpty
)

// Event is one decoded chunk of a Cursor chat stream.
type Event struct {
	Type         EventType
	Text         string
	ToolCallID   string
	ToolCallName string
	ToolCallArgs string
	ErrorMessage string
	RateLimited  bool
}

// ParseResponsePayload decodes one Connect frame payload. Payloads are
// either a protobuf StreamUnifiedChatResponse or a JSON error envelope.
func ParseResponsePayload(payload []byte) (*Event, error) {
	if len(payload) == 0 {
		return &Event{Type: EventEmpty}, nil
	}

	// Error envelopes arrive as bare JSON starting with {"error".
	if bytes.HasPrefix(bytes.TrimSpace(payload), []byte(`{"error`)) {
		root := gjson.ParseBytes(payload)
		event := &Event{
			Type:         EventError,
			ErrorMessage: root.Get("error.message").String(),
		}
		if event.ErrorMessage == "" {
			event.ErrorMessage = strings.TrimSpace(string(payload))
		}
		code := root.Get("error.code").String()
		if code == "" {
			code = root.Get("error.details.0.debug.error").String()
		}
		if strings.EqualFold(code, "resource_exhausted") || strings.Contains(event.ErrorMessage, "resource_exhausted") {
			event.RateLimited = true
		}
		return event, nil
	}

	fields, err := decodeFields(payload)
	if err != nil {
		return nil, err
	}

	for _, f := range fields {
		switch f.Number {
		case fieldResponseBody:
			inner, errInner := decodeFields(f.Bytes)
			if errInner != nil {
				return nil, errInner
			}
			for _, g := range inner {
				if g.Number == fieldBodyText && g.WireType == wireBytes {
					return &Event{Type: EventText, Text: string(g.Bytes)}, nil
				}
			}
		case fieldResponseThinking:
			inner, errInner := decodeFields(f.Bytes)
			if errInner != nil {
				return nil, errInner
			}
			for _, g := range inner {
				if g.Number == fieldThinkingText && g.WireType == wireBytes {
					return &Event{Type: EventThinking, Text: string(g.Bytes)}, nil
				}
			}
		case fieldResponseToolCall:
			inner, errInner := decodeFields(f.Bytes)
			if errInner != nil {
				return nil, errInner
			}
			event := &Event{Type: EventToolCall}
			for _, g := range inner {
				if g.WireType != wireBytes {
					continue
				}
				switch g.Number {
				case fieldToolCallID:
					event.ToolCallID = externalToolID(string(g.Bytes))
				case fieldToolCallName:
					event.ToolCallName = string(g.Bytes)
				case fieldToolCallArgs:
					event.ToolCallArgs = string(g.Bytes)
				}
			}
			return event, nil
		}
	}

	return &Event{Type: EventEmpty}, nil
}

// externalToolID strips Cursor's model-internal id suffix from a combined
// tool-call identifier.
func externalToolID(combined string) string {
	if idx := strings.Index(combined, ToolIDDelimiter); idx >= 0 {
		return combined[:idx]
	}
	return combined
}
