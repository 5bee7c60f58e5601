package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfigFile_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, `
store:
 backend: memory
`)
	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int64(50_000), cfg.Quota.DefaultPerRunBudget)
	assert.Equal(t, 8, cfg.SimTree.MaxStepsPerTurn)
}

func TestLoadConfigFile_EnvExpansion(t *testing.T) {
	t.Setenv("SIMSOCIUS_DSN", "postgres://example/db")
	path := writeTempConfig(t, `
store:
 backend: postgres
 dsn: ${SIMSOCIUS_DSN}
`)
	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "postgres://example/db", cfg.Store.DSN)
}

func TestLoadConfigFile_ValidationFailsOnMissingDSN(t *testing.T) {
	path := writeTempConfig(t, `
store:
 backend: postgres
`)
	_, _, err := LoadConfigFile(context.Background(), path)
	assert.Error(t, err)
}

func TestLoadConfigFile_DuplicateLLMProviderNameRejected(t *testing.T) {
	path := writeTempConfig(t, `
llm_providers:
 - name: chat
   type: mock
 - name: chat
   type: mock
`)
	_, _, err := LoadConfigFile(context.Background(), path)
	assert.Error(t, err)
}
