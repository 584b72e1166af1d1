package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Tracker        TrackerConfig   `yaml:"tracker"`
	Tmux           TmuxConfig      `yaml:"tmux"`
	Broadcast      BroadcastConfig `yaml:"broadcast"`
	TrackProcesses bool            `yaml:"track_processes"`
	Tasks          []TaskConfig    `yaml:"tasks"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"` // 0 means unlimited
}

// TrackerConfig controls the session readiness protocol and the poll cadence.
type TrackerConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	ReadyRetries           int           `yaml:"ready_retries"`
	ReadyInterval          time.Duration `yaml:"ready_interval"`
	SettleDelay            time.Duration `yaml:"settle_delay"`
	FailureNoticeThreshold int           `yaml:"failure_notice_threshold"`
}

type TmuxConfig struct {
	Socket              string        `yaml:"socket"`
	Prefix              string        `yaml:"prefix"`
	ClosedCheckInterval time.Duration `yaml:"closed_check_interval"`
}

type BroadcastConfig struct {
	Throttle         time.Duration `yaml:"throttle"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// TaskConfig declares one launchable task. Dir is the working directory the
// session changes into before running Cmd; Group is a slash-separated path
// used to order and label tasks in the pick list.
type TaskConfig struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group"`
	Dir   string `yaml:"dir"`
	Cmd   string `yaml:"cmd"`
	Type  string `yaml:"type"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			MaxConnections: 16,
		},
		Tracker: TrackerConfig{
			PollInterval:           4 * time.Second,
			ReadyRetries:           10,
			ReadyInterval:          250 * time.Millisecond,
			SettleDelay:            500 * time.Millisecond,
			FailureNoticeThreshold: 3,
		},
		Tmux: TmuxConfig{
			Prefix:              "taskmate",
			ClosedCheckInterval: time.Second,
		},
		Broadcast: BroadcastConfig{
			Throttle:         250 * time.Millisecond,
			SnapshotInterval: 30 * time.Second,
		},
		TrackProcesses: true,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist. Parse and validation errors are still returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", c.Server.MaxConnections)
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("tracker.poll_interval must be positive, got %s", c.Tracker.PollInterval)
	}
	if c.Tracker.ReadyRetries <= 0 {
		return fmt.Errorf("tracker.ready_retries must be positive, got %d", c.Tracker.ReadyRetries)
	}
	if c.Tracker.ReadyInterval < 0 || c.Tracker.SettleDelay < 0 {
		return errors.New("tracker.ready_interval and tracker.settle_delay must not be negative")
	}
	if c.Tmux.ClosedCheckInterval <= 0 {
		return fmt.Errorf("tmux.closed_check_interval must be positive, got %s", c.Tmux.ClosedCheckInterval)
	}
	if c.Broadcast.Throttle < 0 {
		return fmt.Errorf("broadcast.throttle must not be negative, got %s", c.Broadcast.Throttle)
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if t.Cmd == "" {
			return fmt.Errorf("tasks[%d] (%s): cmd is required", i, t.Name)
		}
	}
	return nil
}
