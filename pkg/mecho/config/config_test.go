package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_HasSaneQueueDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.Queue.MaxConcurrentRuns)
	assert.Equal(t, 200, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 0.8, cfg.Queue.RotationThreshold)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Queue, cfg.Queue)
}

func TestLoad_OverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/mecho
queue:
  max_concurrent_runs: 8
discord:
  token: abc123
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mecho", cfg.DataDir)
	assert.Equal(t, 8, cfg.Queue.MaxConcurrentRuns)
	assert.Equal(t, "abc123", cfg.Discord.Token)
	// Untouched defaults survive the overlay.
	assert.Equal(t, 200, cfg.Queue.MaxQueueSize)
}

func TestExpandEnvVars_SubstitutesBracedAndBareForms(t *testing.T) {
	t.Setenv("MECHO_TEST_TOKEN", "secret-value")
	out := expandEnvVars("token: ${MECHO_TEST_TOKEN}\nother: $MECHO_TEST_TOKEN\n")
	assert.Equal(t, "token: secret-value\nother: secret-value\n", out)
}

func TestExpandEnvVars_LeavesUnknownVarsUntouched(t *testing.T) {
	out := expandEnvVars("token: ${MECHO_DOES_NOT_EXIST}")
	assert.Equal(t, "token: ${MECHO_DOES_NOT_EXIST}", out)
}

func TestLoadService_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadService("")
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.Archival.DefaultTopK)
}
