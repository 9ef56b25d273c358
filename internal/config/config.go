// Package config provides configuration management for the routing gateway.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the listen port, the
// machine record store location, inbound key signing secret, and logging
// behaviour.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// StorePath is the filesystem path of the bbolt machine record store.
	StorePath string `yaml:"store-path"`

	// ServerSecret keys the HMAC used to verify inbound API keys.
	ServerSecret string `yaml:"server-secret"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output to a rotating file under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables per-request log lines (method, path, status, model).
	RequestLog bool `yaml:"request-log"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if strings.HasPrefix(config.StorePath, "~") {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", errHome)
		}
		config.StorePath = filepath.Join(home, strings.TrimPrefix(config.StorePath, "~"))
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.StorePath == "" {
		c.StorePath = "machines.db"
	}
}
