// Package config loads and validates the runtime configuration for the
// virtual hardware stack, including host-aware capability ceilings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all virthw configuration.
type Config struct {
	// Workspace is the root directory for logs, history, and templates.
	Workspace string `yaml:"workspace"`

	Device  DeviceConfig  `yaml:"device"`
	Spawner SpawnerConfig `yaml:"spawner"`
	RedTeam RedTeamConfig `yaml:"red_team"`
	Host    HostConfig    `yaml:"host"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig tunes device construction defaults.
type DeviceConfig struct {
	QueueSize       int    `yaml:"queue_size"`
	IdleTick        string `yaml:"idle_tick"`
	ResponseTimeout string `yaml:"response_timeout"`
	DefaultCores    int    `yaml:"default_cores"`
	DefaultMemoryGB int    `yaml:"default_memory_gb"`
	ModelPath       string `yaml:"model_path"`
}

// SpawnerConfig tunes the agent spawner.
type SpawnerConfig struct {
	TemplateDir  string `yaml:"template_dir"`
	PollInterval string `yaml:"poll_interval"`
}

// RedTeamConfig tunes adversarial campaigns.
type RedTeamConfig struct {
	HistoryPath string `yaml:"history_path"`
	AgentCount  int    `yaml:"agent_count"`
}

// HostConfig caps simulated capabilities against the real host. Zero
// ceilings mean "detect from the host".
type HostConfig struct {
	MaxCores    int  `yaml:"max_cores"`
	MaxMemoryGB int  `yaml:"max_memory_gb"`
	ClampToHost bool `yaml:"clamp_to_host"`
}

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".virthw",
		Device: DeviceConfig{
			QueueSize:       256,
			IdleTick:        "1s",
			ResponseTimeout: "30s",
			DefaultCores:    64,
			DefaultMemoryGB: 128,
		},
		Spawner: SpawnerConfig{
			TemplateDir:  "templates",
			PollInterval: "5s",
		},
		RedTeam: RedTeamConfig{
			HistoryPath: "redteam/history.db",
			AgentCount:  3,
		},
		Host: HostConfig{
			ClampToHost: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config, layering it over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace not configured")
	}
	if c.Device.QueueSize < 1 {
		return fmt.Errorf("device queue_size must be at least 1, got %d", c.Device.QueueSize)
	}
	if _, err := time.ParseDuration(c.Device.IdleTick); err != nil {
		return fmt.Errorf("invalid device idle_tick %q: %w", c.Device.IdleTick, err)
	}
	if _, err := time.ParseDuration(c.Device.ResponseTimeout); err != nil {
		return fmt.Errorf("invalid device response_timeout %q: %w", c.Device.ResponseTimeout, err)
	}
	if _, err := time.ParseDuration(c.Spawner.PollInterval); err != nil {
		return fmt.Errorf("invalid spawner poll_interval %q: %w", c.Spawner.PollInterval, err)
	}
	if c.RedTeam.AgentCount < 1 {
		return fmt.Errorf("red_team agent_count must be at least 1, got %d", c.RedTeam.AgentCount)
	}
	return nil
}

// IdleTick returns the parsed device idle tick.
func (c *Config) IdleTick() time.Duration {
	d, err := time.ParseDuration(c.Device.IdleTick)
	if err != nil {
		return time.Second
	}
	return d
}

// ResponseTimeout returns the parsed device response timeout.
func (c *Config) ResponseTimeout() time.Duration {
	d, err := time.ParseDuration(c.Device.ResponseTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// PollInterval returns the parsed elastic pool poll interval.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Spawner.PollInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// HistoryPath returns the attack history path anchored in the workspace.
func (c *Config) HistoryPath() string {
	if filepath.IsAbs(c.RedTeam.HistoryPath) {
		return c.RedTeam.HistoryPath
	}
	return filepath.Join(c.Workspace, c.RedTeam.HistoryPath)
}

// TemplateDir returns the template directory anchored in the workspace.
func (c *Config) TemplateDir() string {
	if filepath.IsAbs(c.Spawner.TemplateDir) {
		return c.Spawner.TemplateDir
	}
	return filepath.Join(c.Workspace, c.Spawner.TemplateDir)
}
