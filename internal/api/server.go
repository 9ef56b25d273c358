// Package api exposes the gateway's HTTP surface: the OpenAI-compatible
// /v1 routes, their legacy /{machineId}/v1 twins, key authentication,
// CORS, and the SSE writer that carries streamed responses downstream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/involvex/involvex-claude-router/internal/config"
	"github.com/involvex/involvex-claude-router/internal/engine"
)

// Server is the HTTP front of the gateway.
type Server struct {
	engine       *engine.Engine
	router       *gin.Engine
	server       *http.Server
	serverSecret string
	requestLog   atomic.Bool
}

// NewServer builds the gin router, wires middleware and routes, and
// prepares the underlying http.Server.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine:       eng,
		router:       router,
		serverSecret: cfg.ServerSecret,
	}
	s.requestLog.Store(cfg.RequestLog)

	router.Use(requestLogMiddleware(s.requestLog.Load))
	router.Use(corsMiddleware())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	return s
}

func (s *Server) setupRoutes() {
	register := func(group *gin.RouterGroup) {
		group.POST("/chat/completions", s.chatCompletions)
		group.POST("/messages", s.messages)
		group.POST("/responses", s.responses)
		group.POST("/embeddings", s.embeddings)
		group.POST("/api/chat", s.ollamaChat)
		group.GET("/verify", s.verify)
		group.GET("/models", s.listModels)
	}

	v1 := s.router.Group("/v1")
	v1.Use(s.authMiddleware())
	register(v1)

	legacy := s.router.Group("/:machineId/v1")
	legacy.Use(s.legacyAuthMiddleware())
	register(legacy)
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: server failed: %w", err)
	}
	return nil
}

// Stop drains active connections until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// SetRequestLog toggles per-request logging at runtime; the config
// watcher calls this on hot reload.
func (s *Server) SetRequestLog(enabled bool) {
	s.requestLog.Store(enabled)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
