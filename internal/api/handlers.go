package api

import (
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/involvex/involvex-claude-router/internal/engine"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 16 << 20

func (s *Server) chatCompletions(c *gin.Context) {
	s.completion(c, translator.FormatOpenAIChat)
}

func (s *Server) messages(c *gin.Context) {
	s.completion(c, translator.FormatClaude)
}

func (s *Server) responses(c *gin.Context) {
	s.completion(c, translator.FormatOpenAIResponses)
}

func (s *Server) ollamaChat(c *gin.Context) {
	s.completion(c, translator.FormatOllama)
}

// completion is the shared body of every chat-style edge: read the body,
// decide streaming, run the engine, and write either one JSON document
// or the translated stream.
func (s *Server) completion(c *gin.Context, dialect translator.Format) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.abortError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if !gjson.ValidBytes(body) {
		s.abortError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}

	streamField := gjson.GetBytes(body, "stream")
	stream := streamField.Bool()
	// Ollama clients stream unless they opt out.
	if dialect == translator.FormatOllama && !streamField.Exists() {
		stream = true
	}

	req := engine.Request{
		MachineID: c.GetString(ctxMachineID),
		Dialect:   dialect,
		Body:      body,
		Stream:    stream,
	}

	if !stream {
		payload, apiErr := s.engine.Execute(c.Request.Context(), req)
		if apiErr != nil {
			s.writeError(c, apiErr)
			return
		}
		c.Data(http.StatusOK, "application/json", payload)
		return
	}

	ch, apiErr := s.engine.ExecuteStream(c.Request.Context(), req)
	if apiErr != nil {
		s.writeError(c, apiErr)
		return
	}
	s.writeStream(c, dialect, ch)
}

func (s *Server) embeddings(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.abortError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	payload, apiErr := s.engine.Embeddings(c.Request.Context(), engine.Request{
		MachineID: c.GetString(ctxMachineID),
		Dialect:   translator.FormatOpenAIChat,
		Body:      body,
	})
	if apiErr != nil {
		s.writeError(c, apiErr)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) verify(c *gin.Context) {
	machineID := c.GetString(ctxMachineID)
	record, err := s.engine.Store().GetMachine(c.Request.Context(), machineID)
	if err != nil {
		s.abortError(c, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":          true,
		"machineId":      machineID,
		"providersCount": len(record.Providers),
	})
}

func (s *Server) listModels(c *gin.Context) {
	record, err := s.engine.Store().GetMachine(c.Request.Context(), c.GetString(ctxMachineID))
	if err != nil {
		s.abortError(c, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, buildModelList(record))
}

// writeError emits the OpenAI error envelope, adding Retry-After on 429
// as whole seconds rounded up, never below one.
func (s *Server) writeError(c *gin.Context, apiErr *engine.APIError) {
	if apiErr.Status == http.StatusTooManyRequests {
		seconds := int(math.Ceil(apiErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	c.JSON(apiErr.Status, ErrorResponse{Error: ErrorDetail{
		Message: apiErr.Message,
		Type:    apiErr.Type,
		Code:    apiErr.Code,
	}})
}

func (s *Server) abortError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
	}})
}
