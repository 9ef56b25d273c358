package translator

import (
	"bytes"
	"time"
)

var dataTag = []byte("data:")

// stripDataPrefix removes the "data:" prefix from an SSE line. Lines
// without the prefix (event names, comments, keep-alives) return false.
func stripDataPrefix(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, dataTag) {
		return nil, false
	}
	return bytes.TrimSpace(trimmed[len(dataTag):]), true
}

// sseData wraps a JSON payload into a complete SSE data frame.
func sseData(payload string) string {
	return "data: " + payload + "\n\n"
}

// sseEvent wraps a typed JSON payload into a complete SSE event frame, the
// shape used by the Anthropic and Responses dialects.
func sseEvent(event, payload string) string {
	return "event: " + event + "\ndata: " + payload + "\n\n"
}

func nowUnix() int64 { return time.Now().Unix() }
