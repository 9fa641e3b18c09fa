// Package config provides YAML-based configuration loading for better-call-claude.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from config.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Worker  WorkerConfig  `yaml:"worker"`
	Chat    ChatConfig    `yaml:"chat"`
	DB      DBConfig      `yaml:"db"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GatewayConfig identifies the external telephony/messaging gateway.
type GatewayConfig struct {
	// BaseURL is the public base URL workers use to reach the call-back
	// surface (e.g. "http://localhost:8080").
	BaseURL string `yaml:"base_url"`
	// RemoteURL is the base URL of the external gateway adapter process
	// that owns the provider-specific wire formats.
	RemoteURL string `yaml:"remote_url"`
}

// WorkerConfig controls worker subprocess spawning and reaping.
type WorkerConfig struct {
	Binary        string `yaml:"binary"`   // path to claude binary, default "claude"
	WorkDir       string `yaml:"work_dir"` // default working directory for workers
	SystemPrompt  string `yaml:"system_prompt"`
	MaxRunningMin int    `yaml:"max_running_min"` // zombie threshold, minutes
	MaxIdleMin    int    `yaml:"max_idle_min"`    // terminal-execution retention, minutes
	ReapCron      string `yaml:"reap_cron"`       // 5-field cron; empty = every minute
}

// ChatConfig controls the always-on chat queue for one messaging channel.
type ChatConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Channel    string `yaml:"channel"` // "sms" or "whatsapp"
	Address    string `yaml:"address"` // counterpart address for the long-lived channel
	HistoryMax int    `yaml:"history_max"`
}

// DBConfig selects the diagnostics database backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// NotifyConfig holds operator notification settings.
type NotifyConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord notifier settings.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack notifier settings.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Worker.Binary == "" {
		c.Worker.Binary = "claude"
	}
	if c.Worker.MaxRunningMin == 0 {
		c.Worker.MaxRunningMin = 30
	}
	if c.Worker.MaxIdleMin == 0 {
		c.Worker.MaxIdleMin = 60
	}
	if c.Chat.HistoryMax == 0 {
		c.Chat.HistoryMax = 50
	}
	if c.Chat.Enabled && c.Chat.Channel == "" {
		c.Chat.Channel = "whatsapp"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "bcc.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.DB.Driver == "mysql" && c.DB.Database == "" {
		errs = append(errs, "db.database is required for mysql")
	}
	if c.Chat.Enabled {
		if c.Chat.Channel != "sms" && c.Chat.Channel != "whatsapp" {
			errs = append(errs, fmt.Sprintf("chat.channel %q is not supported (sms, whatsapp)", c.Chat.Channel))
		}
		if c.Chat.Address == "" {
			errs = append(errs, "chat.address is required when chat is enabled")
		}
	}
	if c.Notify.Discord.Enabled {
		if c.Notify.Discord.BotToken == "" {
			errs = append(errs, "notify.discord.bot_token is required")
		}
		if c.Notify.Discord.ChannelID == "" {
			errs = append(errs, "notify.discord.channel_id is required")
		}
	}
	if c.Notify.Slack.Enabled {
		if c.Notify.Slack.BotToken == "" {
			errs = append(errs, "notify.slack.bot_token is required")
		}
		if c.Notify.Slack.ChannelID == "" {
			errs = append(errs, "notify.slack.channel_id is required")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
