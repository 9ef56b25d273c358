package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by the auth middleware.
const (
	ctxMachineID = "machineID"
	ctxAPIKey    = "apiKey"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bearerKey pulls the inbound API key from the Authorization header or,
// for Anthropic-style clients, from x-api-key.
func bearerKey(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

// authMiddleware serves the /v1 surface: the machine id is embedded in
// the key itself. Legacy keys are rejected with a pointer at the
// prefixed surface.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerKey(c)
		if key == "" {
			s.abortError(c, http.StatusUnauthorized, "authentication_error", "missing api key")
			return
		}

		machineID, _, err := ParseAPIKey(s.serverSecret, key)
		if err != nil {
			if errors.Is(err, ErrLegacyKey) {
				s.abortError(c, http.StatusBadRequest, "invalid_request_error",
					"this api key does not embed a machine id; use the /{machineId}/v1 path prefix")
				return
			}
			s.abortError(c, http.StatusUnauthorized, "authentication_error", "invalid api key")
			return
		}

		if _, apiErr := s.engine.VerifyKey(c.Request.Context(), machineID, key); apiErr != nil {
			s.abortError(c, apiErr.Status, apiErr.Type, apiErr.Message)
			return
		}
		c.Set(ctxMachineID, machineID)
		c.Set(ctxAPIKey, key)
		c.Next()
	}
}

// legacyAuthMiddleware serves /{machineId}/v1: the machine id comes from
// the path and the key only has to appear in the machine's allow list.
func (s *Server) legacyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := c.Param("machineId")
		key := bearerKey(c)
		if key == "" {
			s.abortError(c, http.StatusUnauthorized, "authentication_error", "missing api key")
			return
		}
		if _, apiErr := s.engine.VerifyKey(c.Request.Context(), machineID, key); apiErr != nil {
			s.abortError(c, apiErr.Status, apiErr.Type, apiErr.Message)
			return
		}
		c.Set(ctxMachineID, machineID)
		c.Set(ctxAPIKey, key)
		c.Next()
	}
}

// requestLogMiddleware emits one structured line per request when the
// request-log config switch is on.
func requestLogMiddleware(enabled func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("request")
	}
}
