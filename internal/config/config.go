// Package config defines remi's configuration schema and loader.
package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main remi configuration.
type Config struct {
	// Backend selects the reasoning backends.
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Telegram connector settings.
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Scheduler settings for background jobs.
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// MemoryDir is the root of the markdown memory tree.
	MemoryDir string `json:"memory_dir" mapstructure:"memory_dir"`

	// DataDir holds runtime state (pid file, logs).
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// WorkspacePath is the working directory handed to CLI backends.
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// BackendConfig selects and tunes the reasoning backends.
type BackendConfig struct {
	// Name picks the primary: claude_cli, anthropic_api, codex_cli.
	Name string `json:"name" mapstructure:"name"`
	// Fallback picks the backend tried when the primary returns a failure
	// sentinel. Empty disables fallback.
	Fallback       string   `json:"fallback" mapstructure:"fallback"`
	Model          string   `json:"model" mapstructure:"model"`
	AllowedTools   []string `json:"allowed_tools" mapstructure:"allowed_tools"`
	SystemPrompt   string   `json:"system_prompt" mapstructure:"system_prompt"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	// AnthropicAPIKey feeds the anthropic_api backend. The ANTHROPIC_API_KEY
	// environment variable is honored when this is empty.
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	// CodexBinary overrides the codex executable path.
	CodexBinary string `json:"codex_binary" mapstructure:"codex_binary"`
	// ClaudeBinary overrides the claude executable path.
	ClaudeBinary string `json:"claude_binary" mapstructure:"claude_binary"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// SchedulerConfig holds background job configuration.
type SchedulerConfig struct {
	// CompactCron is a 5-field cron expression for the nightly memory
	// compaction job.
	CompactCron      string `json:"compact_cron" mapstructure:"compact_cron"`
	HeartbeatSeconds int    `json:"heartbeat_seconds" mapstructure:"heartbeat_seconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Name:           "claude_cli",
			Fallback:       "anthropic_api",
			TimeoutSeconds: 300,
		},
		Scheduler: SchedulerConfig{
			CompactCron:      "0 3 * * *",
			HeartbeatSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// knownBackends lists the valid backend names.
var knownBackends = map[string]bool{
	"claude_cli":    true,
	"anthropic_api": true,
	"codex_cli":     true,
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	if !knownBackends[c.Backend.Name] {
		return fmt.Errorf("unknown backend %q (must be: claude_cli, anthropic_api, codex_cli)", c.Backend.Name)
	}
	if c.Backend.Fallback != "" {
		if !knownBackends[c.Backend.Fallback] {
			return fmt.Errorf("unknown fallback backend %q", c.Backend.Fallback)
		}
		if c.Backend.Fallback == c.Backend.Name {
			return fmt.Errorf("fallback backend must differ from primary")
		}
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend timeout must not be negative")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when telegram is enabled")
	}
	if c.Scheduler.HeartbeatSeconds < 0 {
		return fmt.Errorf("heartbeat interval must not be negative")
	}
	return nil
}
