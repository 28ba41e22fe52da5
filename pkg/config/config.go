package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Presence  PresenceConfig  `yaml:"presence"`
	Session   SessionConfig   `yaml:"session"`
	Sync      SyncConfig      `yaml:"sync"`
	Assistant AssistantConfig `yaml:"assistant"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig represents the authoritative store configuration
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" or "postgres"
	DSN  string `yaml:"dsn"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PresenceConfig represents presence tracker configuration
type PresenceConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// SessionConfig represents session orchestrator configuration
type SessionConfig struct {
	LiveCeiling   time.Duration `yaml:"live_ceiling"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ReminderLead  time.Duration `yaml:"reminder_lead"`
	RoomBaseURL   string        `yaml:"room_base_url"`
}

// SyncConfig represents sync reconciler configuration
type SyncConfig struct {
	MaxWriteRetries int `yaml:"max_write_retries"`
}

// AssistantConfig represents the AI assistant client configuration
type AssistantConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxHistory int    `yaml:"max_history"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "loopcore.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Presence: PresenceConfig{
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    15 * time.Second,
		},
		Session: SessionConfig{
			LiveCeiling:   12 * time.Hour,
			SweepInterval: 30 * time.Second,
			ReminderLead:  10 * time.Minute,
			RoomBaseURL:   "https://meet.jit.si",
		},
		Sync: SyncConfig{
			MaxWriteRetries: 3,
		},
		Assistant: AssistantConfig{
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:      "gemini-2.0-flash-lite",
			MaxHistory: 20,
		},
	}
}

func getConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config.yaml"
}

// applyEnv overrides configuration with environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ROOM_BASE_URL"); v != "" {
		c.Session.RoomBaseURL = v
	}
	if v := os.Getenv("ASSISTANT_API_KEY"); v != "" {
		c.Assistant.APIKey = v
	}
	if v := os.Getenv("ASSISTANT_BASE_URL"); v != "" {
		c.Assistant.BaseURL = v
	}
	if v := os.Getenv("ASSISTANT_MODEL"); v != "" {
		c.Assistant.Model = v
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Presence.HeartbeatTimeout <= 0 {
		return fmt.Errorf("presence heartbeat timeout must be positive")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive")
	}
	if c.Session.LiveCeiling <= 0 {
		return fmt.Errorf("session live ceiling must be positive")
	}
	if c.Sync.MaxWriteRetries < 1 {
		return fmt.Errorf("sync max write retries must be at least 1")
	}
	return nil
}
