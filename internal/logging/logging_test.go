package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/config"
)

func TestBuild_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build("debug", "json", &buf)
	require.NoError(t, err)

	logger.Debug("worker spawned", zap.Int("pid", 42))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "worker spawned", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, float64(42), entry["pid"])
}

func TestBuild_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build("warn", "console", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestBuild_Errors(t *testing.T) {
	_, err := build("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = build("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = New(config.LogConfig{Format: "yaml"})
	assert.Error(t, err)
}
