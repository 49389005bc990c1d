// Package config loads retrohost settings from a YAML file layered over
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "RETROHOST_CONFIG"

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	Dirs       DirsConfig       `yaml:"dirs"`
	Storage    StorageConfig    `yaml:"storage"`
	Stream     StreamConfig     `yaml:"stream"`
	Events     EventsConfig     `yaml:"events"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console", "json" or empty to pick by terminal detection.
	Format string `yaml:"format"`
}

type SupervisorConfig struct {
	InitTimeout     time.Duration `yaml:"init_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WorkerConfig struct {
	FrameQueue int     `yaml:"frame_queue"`
	DefaultFPS float64 `yaml:"default_fps"`
}

type DirsConfig struct {
	System     string `yaml:"system"`
	Save       string `yaml:"save"`
	SRAM       string `yaml:"sram"`
	SaveStates string `yaml:"savestates"`
}

type StorageConfig struct {
	MaxStateSize string `yaml:"max_state_size"`
}

type StreamConfig struct {
	// Listen is the WebSocket address; empty disables streaming.
	Listen       string `yaml:"listen"`
	ClientBuffer int    `yaml:"client_buffer"`
	// MaxClients caps concurrent stream clients; zero means no cap.
	MaxClients   int    `yaml:"max_clients"`
}

type EventsConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "retrohost")
	}
	return filepath.Join(home, ".retrohost")
}

func Default() *Config {
	base := dataDir()
	return &Config{
		Log: LogConfig{Level: "info"},
		Supervisor: SupervisorConfig{
			InitTimeout:     15 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 5000 * time.Millisecond,
		},
		Worker: WorkerConfig{
			FrameQueue: 8,
			DefaultFPS: 60,
		},
		Dirs: DirsConfig{
			System:     filepath.Join(base, "system"),
			Save:       filepath.Join(base, "saves"),
			SRAM:       filepath.Join(base, "sram"),
			SaveStates: filepath.Join(base, "states"),
		},
		Storage: StorageConfig{MaxStateSize: "64MB"},
		Stream:  StreamConfig{ClientBuffer: 64, MaxClients: 4},
		Events:  EventsConfig{SubscriberBuffer: 256},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to $RETROHOST_CONFIG when path is
// empty. A missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Supervisor.InitTimeout <= 0 {
		return fmt.Errorf("supervisor.init_timeout must be positive")
	}
	if c.Supervisor.RequestTimeout <= 0 {
		return fmt.Errorf("supervisor.request_timeout must be positive")
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		return fmt.Errorf("supervisor.shutdown_timeout must be positive")
	}
	if c.Worker.FrameQueue < 1 {
		return fmt.Errorf("worker.frame_queue must be at least 1")
	}
	if c.Worker.DefaultFPS <= 0 {
		return fmt.Errorf("worker.default_fps must be positive")
	}
	if _, err := c.Storage.MaxStateBytes(); err != nil {
		return fmt.Errorf("storage.max_state_size: %w", err)
	}
	return nil
}

// MaxStateBytes returns the save-state size cap in bytes. Empty means no cap.
func (s StorageConfig) MaxStateBytes() (int64, error) {
	if strings.TrimSpace(s.MaxStateSize) == "" {
		return 0, nil
	}
	return ParseSize(s.MaxStateSize)
}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(B|KB|MB|GB)?$`)

// ParseSize parses human sizes such as "512KB" or "1.5GB" (binary units).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid format: %s", s)
	}

	val, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, err
	}

	multiplier := 1.0
	switch matches[2] {
	case "KB":
		multiplier = 1024
	case "MB":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	}

	return int64(val * multiplier), nil
}
