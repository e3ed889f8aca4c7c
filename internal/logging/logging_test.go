package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/testutil"
)

func TestSetup_JSONAndLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger, closer, err := Setup(config.LogConfig{Level: "warn", Format: "json"}, "", &buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSetup_LevelOverrideAndFallback(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger, _, err := Setup(config.LogConfig{Level: "error", Format: "json"}, "debug", &buf)
	require.NoError(t, err)
	logger.Debug().Msg("debug line")
	assert.Contains(t, buf.String(), "debug line")

	buf.Reset()
	logger, _, err = Setup(config.LogConfig{Level: "nonsense", Format: "json"}, "", &buf)
	require.NoError(t, err)
	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetup_RotatingFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "logs", "casmesh.log")
	var console bytes.Buffer
	logger, closer, err := Setup(config.LogConfig{
		Level:      "info",
		Format:     "console",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, "", &console)
	require.NoError(t, err)

	logger.Info().Str("key", "abcd").Msg("stored content")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "stored content", entry["message"])
	assert.Contains(t, console.String(), "stored content")
}
