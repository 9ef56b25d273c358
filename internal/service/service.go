// Package service assembles the gateway: store, engine, HTTP server,
// config hot reload, and signal-driven shutdown.
package service

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/involvex/involvex-claude-router/internal/api"
	"github.com/involvex/involvex-claude-router/internal/config"
	"github.com/involvex/involvex-claude-router/internal/credentials"
	"github.com/involvex/involvex-claude-router/internal/engine"
	"github.com/involvex/involvex-claude-router/internal/executor"
	"github.com/involvex/involvex-claude-router/internal/logging"
	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

// shutdownGrace bounds the drain of in-flight requests on shutdown.
const shutdownGrace = 30 * time.Second

// Run starts the gateway and blocks until the context is cancelled or
// SIGINT/SIGTERM arrives.
func Run(ctx context.Context, cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("service: open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	runtime := executor.NewProviderRuntime()
	runtime.StartSweeper(ctx)

	executors := executor.NewRegistry(translator.NewRegistry(), runtime, cfg.ProxyURL)
	eng := engine.New(st, credentials.NewManager(st), executors)
	server := api.NewServer(cfg, eng)

	if configPath != "" {
		watcher, watchErr := config.NewWatcher(configPath, func(next *config.Config) {
			logging.SetDebug(next.Debug)
			server.SetRequestLog(next.RequestLog)
			log.Info("service: configuration reloaded")
		})
		if watchErr != nil {
			log.Warnf("service: config watcher unavailable: %v", watchErr)
		} else if watchErr = watcher.Start(ctx); watchErr != nil {
			log.Warnf("service: config watcher failed to start: %v", watchErr)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err = <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("service: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("service: shutdown: %w", err)
	}
	return <-serverErr
}
