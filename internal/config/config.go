// Package config handles configuration loading for agentq.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/agentq/pkg/models"
)

// Config holds all configuration for agentq.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// Path overrides the default database location. Empty means the XDG
	// data directory, or the project .agentq directory when one exists.
	Path string `mapstructure:"path"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// QueueConfig holds task queue defaults.
type QueueConfig struct {
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	CleanupAge        time.Duration `mapstructure:"cleanup_age"`
}

// IngestConfig holds drop-folder ingestion settings.
type IngestConfig struct {
	// Dir is the directory watched for task files. Empty disables the
	// watcher unless the CLI supplies a path.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (AGENTQ_*)
// 2. Project config (.agentq.yaml in current directory or parent)
// 3. User config (~/.config/agentq/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config wins over user config when present.
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("database.path", "AGENTQ_DB_PATH")
	v.BindEnv("workers.count", "AGENTQ_WORKERS")
	v.BindEnv("workers.poll_interval", "AGENTQ_POLL_INTERVAL")
	v.BindEnv("ingest.dir", "AGENTQ_INGEST_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = os.ExpandEnv(cfg.Database.Path)
	cfg.Ingest.Dir = os.ExpandEnv(cfg.Ingest.Dir)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = os.ExpandEnv(cfg.Database.Path)
	cfg.Ingest.Dir = os.ExpandEnv(cfg.Ingest.Dir)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "")
	v.SetDefault("workers.count", 3)
	v.SetDefault("workers.poll_interval", "500ms")
	v.SetDefault("queue.default_max_retries", models.DefaultMaxRetries)
	v.SetDefault("queue.cleanup_age", "168h")
	v.SetDefault("ingest.dir", "")
}

// getUserConfigDir returns the XDG config directory for agentq.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "agentq")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "agentq")
	}
	return filepath.Join(home, ".config", "agentq")
}

// findProjectConfig searches for .agentq.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".agentq.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Workers: WorkersConfig{
			Count:        3,
			PollInterval: 500 * time.Millisecond,
		},
		Queue: QueueConfig{
			DefaultMaxRetries: models.DefaultMaxRetries,
			CleanupAge:        168 * time.Hour,
		},
	}
}
