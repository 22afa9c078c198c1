package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Agents   AgentsConfig   `toml:"agents"`
	GitHub   GitHubConfig   `toml:"github"`
	Server   ServerConfig   `toml:"server"`
	Schedule ScheduleConfig `toml:"schedule"`
	Notify   NotifyConfig   `toml:"notify"`
	Paths    PathsConfig    `toml:"paths"`
}

// AgentsConfig holds coding-agent settings
type AgentsConfig struct {
	ImplementerCommand  string `toml:"implementer_command"`
	ReviewerCommand     string `toml:"reviewer_command"`
	AgentTimeoutMinutes int    `toml:"agent_timeout_minutes"`
	BuildTimeoutMinutes int    `toml:"build_timeout_minutes"`
	MaxIterations       int    `toml:"max_iterations"`
}

// GitHubConfig holds remote CI settings
type GitHubConfig struct {
	Remote              string `toml:"remote"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ScheduleConfig holds daemon run-window settings
type ScheduleConfig struct {
	Windows []WindowConfig `toml:"windows"`
}

// WindowConfig is one cron-defined interval inside which the daemon
// may launch queued plans
type WindowConfig struct {
	Cron            string `toml:"cron"`
	DurationMinutes int    `toml:"duration_minutes"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// PathsConfig holds data directory settings
type PathsConfig struct {
	DatabasePath string `toml:"database_path"`
	LogsDir      string `toml:"logs_dir"`
	ApprovalsDir string `toml:"approvals_dir"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agents: AgentsConfig{
			ImplementerCommand:  "claude",
			ReviewerCommand:     "codex",
			AgentTimeoutMinutes: 30,
			BuildTimeoutMinutes: 20,
			MaxIterations:       3,
		},
		GitHub: GitHubConfig{
			Remote:              "origin",
			PollIntervalSeconds: 5,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Notify: NotifyConfig{
			Desktop: false,
		},
		Paths: PathsConfig{
			DatabasePath: filepath.Join(home, ".step-orch", "orchestrator.db"),
			LogsDir:      filepath.Join(home, ".step-orch", "logs"),
			ApprovalsDir: filepath.Join(home, ".step-orch", "approvals"),
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.Paths.DatabasePath = ExpandPath(cfg.Paths.DatabasePath)
	cfg.Paths.LogsDir = ExpandPath(cfg.Paths.LogsDir)
	cfg.Paths.ApprovalsDir = ExpandPath(cfg.Paths.ApprovalsDir)

	return cfg, nil
}

// Validate rejects configurations that cannot run any step
func (c *Config) Validate() error {
	if c.Agents.ImplementerCommand == "" {
		return fmt.Errorf("agents.implementer_command is required")
	}
	if c.Agents.ReviewerCommand == "" {
		return fmt.Errorf("agents.reviewer_command is required")
	}
	if c.Agents.MaxIterations < 1 {
		return fmt.Errorf("agents.max_iterations must be at least 1, got %d", c.Agents.MaxIterations)
	}
	if c.GitHub.PollIntervalSeconds < 1 {
		return fmt.Errorf("github.poll_interval_seconds must be at least 1, got %d", c.GitHub.PollIntervalSeconds)
	}
	return nil
}

// Save writes the configuration back to a TOML file
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".step-orch", "config.toml")
}
