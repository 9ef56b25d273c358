package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: 9000
store-path: /tmp/machines.db
server-secret: s3cret
debug: true
request-log: true
proxy-url: socks5://127.0.0.1:1080
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/machines.db", cfg.StorePath)
	assert.Equal(t, "s3cret", cfg.ServerSecret)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.RequestLog)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.ProxyURL)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "server-secret: x\n"))
	require.NoError(t, err)
	assert.Equal(t, 8317, cfg.Port)
	assert.Equal(t, "machines.db", cfg.StorePath)
	assert.False(t, cfg.Debug)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "port: [not a number\n"))
	assert.Error(t, err)
}

func TestLoadConfigExpandsHome(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "store-path: ~/data/machines.db\n"))
	require.NoError(t, err)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "machines.db"), cfg.StorePath)
}
