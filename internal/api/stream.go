package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/involvex/involvex-claude-router/internal/engine"
	"github.com/involvex/involvex-claude-router/internal/executor"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

var frameSuffix = []byte("\n\n")

// writeStream drains the engine's frame channel into the response.
// SSE dialects get every frame terminated with a blank line; the Ollama
// dialect is newline-delimited JSON instead.
func (s *Server) writeStream(c *gin.Context, dialect translator.Format, ch <-chan executor.StreamChunk) {
	ndjson := dialect == translator.FormatOllama
	if ndjson {
		c.Header("Content-Type", "application/x-ndjson")
	} else {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
	}
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	for chunk := range ch {
		if chunk.Err != nil {
			s.writeStreamError(c, ndjson, chunk.Err)
			flush()
			return
		}
		frame := chunk.Payload
		if ndjson {
			if !bytes.HasSuffix(frame, []byte("\n")) {
				frame = append(bytes.Clone(frame), '\n')
			}
		} else if !bytes.HasSuffix(frame, frameSuffix) {
			frame = append(bytes.Clone(frame), frameSuffix...)
		}
		if _, err := c.Writer.Write(frame); err != nil {
			log.Debugf("api: client went away mid-stream: %v", err)
			return
		}
		flush()
	}
}

// writeStreamError labels a mid-stream failure as a data frame. SSE
// dialects still get the [DONE] terminator so clients parsing by frame
// see a closed stream with the error as its final payload.
func (s *Server) writeStreamError(c *gin.Context, ndjson bool, err error) {
	status := engine.StatusFromChunkErr(err)
	envelope, _ := json.Marshal(ErrorResponse{Error: ErrorDetail{
		Message: err.Error(),
		Type:    errTypeForStatus(status),
	}})
	if ndjson {
		_, _ = c.Writer.Write(append(envelope, '\n'))
		return
	}
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(envelope)
	_, _ = c.Writer.Write(frameSuffix)
	_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
}

func errTypeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}
