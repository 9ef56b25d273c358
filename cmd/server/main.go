package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/involvex/involvex-claude-router/internal/config"
	"github.com/involvex/involvex-claude-router/internal/logging"
	"github.com/involvex/involvex-claude-router/internal/service"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.Init()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logging.SetDebug(cfg.Debug)
	if err = logging.ConfigureOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	if err = service.Run(context.Background(), cfg, configPath); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
