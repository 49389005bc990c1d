package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "retrohost.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Supervisor.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Worker.FrameQueue)
	assert.Equal(t, 60.0, cfg.Worker.DefaultFPS)
	assert.Equal(t, 4, cfg.Stream.MaxClients)

	n, err := cfg.Storage.MaxStateBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), n)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	p := writeConfig(t, `
log:
  level: debug
  format: json
supervisor:
  shutdown_timeout: 250ms
worker:
  frame_queue: 3
dirs:
  savestates: /tmp/states
stream:
  listen: 127.0.0.1:9100
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.RequestTimeout, "untouched keys keep defaults")
	assert.Equal(t, 3, cfg.Worker.FrameQueue)
	assert.Equal(t, "/tmp/states", cfg.Dirs.SaveStates)
	assert.Equal(t, "127.0.0.1:9100", cfg.Stream.Listen)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "supervisor: [",
		"zero queue":    "worker:\n  frame_queue: 0\n",
		"bad size":      "storage:\n  max_state_size: lots\n",
		"negative init": "supervisor:\n  init_timeout: -1s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default().Worker, cfg.Worker)

	cfg, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Supervisor, cfg.Supervisor)

	t.Setenv(EnvPath, writeConfig(t, "worker:\n  default_fps: 50\n"))
	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, 50.0, cfg.Worker.DefaultFPS)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100", 100, false},
		{"100B", 100, false},
		{"1KB", 1024, false},
		{"64MB", 64 * 1024 * 1024, false},
		{"1.5GB", 1536 * 1024 * 1024, false},
		{" 2 kb ", 2048, false},
		{"", 0, true},
		{"12TB", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
