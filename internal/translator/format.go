// Package translator converts request bodies and streaming response chunks
// between wire dialects. Translation works directly on raw JSON bytes; the
// registry is keyed by (inbound format, provider format) pairs.
package translator

// Format names a wire dialect for requests and responses.
type Format string

// The closed set of supported formats.
const (
	FormatOpenAIChat      Format = "openai-chat"
	FormatOpenAIResponses Format = "openai-responses"
	FormatClaude          Format = "claude"
	FormatGemini          Format = "gemini"
	FormatOllama          Format = "ollama"
	FormatCursor          Format = "cursor"
)

// ParseFormat converts a string tag to a Format.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatOpenAIChat, FormatOpenAIResponses, FormatClaude, FormatGemini, FormatOllama, FormatCursor:
		return Format(s), true
	}
	return "", false
}
