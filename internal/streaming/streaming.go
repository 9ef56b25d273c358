// Package streaming implements the byte plumbing between upstream SSE
// bodies and the translators: line splitting with a residual buffer,
// the malformed-line policy, and the collapse of a forced Responses
// stream into a single JSON envelope.
package streaming

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// maxOversizeDrop is the largest malformed SSE payload that gets dropped
// with a warning. Anything bigger fails the stream, since a payload that
// large is upstream corruption rather than a stray keep-alive.
const maxOversizeDrop = 1024

const scannerBuffer = 1024 * 1024

var dataPrefix = []byte("data:")

// NewLineScanner wraps an upstream body in a scanner sized for large SSE
// payloads. Scanning splits on newlines and keeps residual bytes across
// reads.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, scannerBuffer)
	scanner.Buffer(buf, scannerBuffer)
	return scanner
}

// DataPayload extracts the payload of a "data:" SSE line. The second
// return is false for every other line kind (events, comments, blanks).
func DataPayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, dataPrefix) {
		return nil, false
	}
	return bytes.TrimSpace(trimmed[len(dataPrefix):]), true
}

// IsDone reports the SSE terminal marker.
func IsDone(payload []byte) bool {
	return bytes.Equal(payload, []byte("[DONE]"))
}

// CheckPayload applies the malformed-line policy: valid JSON passes,
// small garbage is dropped with a warning, large garbage kills the
// stream.
func CheckPayload(payload []byte) (ok bool, err error) {
	if IsDone(payload) || gjson.ValidBytes(payload) {
		return true, nil
	}
	if len(payload) <= maxOversizeDrop {
		log.Warnf("streaming: dropping malformed %d-byte chunk", len(payload))
		return false, nil
	}
	return false, fmt.Errorf("streaming: malformed chunk of %d bytes", len(payload))
}
