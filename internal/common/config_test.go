package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFilesLayering(t *testing.T) {
	base := writeConfig(t, "base.toml", `
environment = "production"

[queue]
concurrency = 4
max_attempts = 5
`)
	override := writeConfig(t, "override.toml", `
[queue]
concurrency = 8

[plugins.matrix]
homeserver = "https://example.org"
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 8, config.Queue.Concurrency, "later file wins")
	assert.Equal(t, 5, config.Queue.MaxAttempts, "earlier file survives where not overridden")
	assert.Equal(t, "250ms", config.Queue.PollInterval, "defaults survive everywhere else")
	assert.Equal(t, "https://example.org", config.Plugins["matrix"]["homeserver"])
}

func TestLoadFromFilesEnvOverrides(t *testing.T) {
	t.Setenv("CEREBRUM_AI_PROVIDER", "offline")
	t.Setenv("CEREBRUM_QUEUE_CONCURRENCY", "2")
	t.Setenv("CEREBRUM_ENTITY_DB", "/tmp/entities")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, "offline", config.AI.DefaultProvider)
	assert.Equal(t, 2, config.Queue.Concurrency)
	assert.Equal(t, "/tmp/entities", config.Storage.EntityPath)
}

func TestLoadFromFilesRejectsInvalidValues(t *testing.T) {
	bad := writeConfig(t, "bad.toml", `
environment = "staging"
`)
	_, err := LoadFromFiles(bad)
	assert.Error(t, err)
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles("/does/not/exist.toml")
	assert.Error(t, err)
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("nonsense", time.Minute))
}
