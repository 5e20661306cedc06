// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Player   PlayerConfig   `mapstructure:"player"`
	Progress ProgressConfig `mapstructure:"progress"`
	Records  RecordsConfig  `mapstructure:"records"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text or json
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig controls the local sqlite store.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
	WALMode        bool   `mapstructure:"wal_mode"`
}

// ServerConfig points at the media server.
type ServerConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// PlayerConfig controls the mpv engine and playback behavior.
type PlayerConfig struct {
	Executable           string        `mapstructure:"executable"`
	ExtraArgs            []string      `mapstructure:"extra_args"`
	LoadUserConfig       bool          `mapstructure:"load_user_config"`
	PreferredLanguage    string        `mapstructure:"preferred_language"`
	ChapterRestartWindow time.Duration `mapstructure:"chapter_restart_window"`
}

// ProgressConfig controls remote progress reporting.
type ProgressConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// RecordsConfig controls playback record maintenance.
type RecordsConfig struct {
	PruneAfter time.Duration `mapstructure:"prune_after"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", filepath.Join(GetStateDir(), "playcore.log"))
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("database.path", filepath.Join(GetStateDir(), "playcore.db"))
	v.SetDefault("database.max_connections", 1)
	v.SetDefault("database.wal_mode", true)

	v.SetDefault("server.base_url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.max_retries", 3)

	v.SetDefault("player.executable", "mpv")
	v.SetDefault("player.extra_args", []string{})
	v.SetDefault("player.load_user_config", false)
	v.SetDefault("player.preferred_language", "")
	v.SetDefault("player.chapter_restart_window", 3*time.Second)

	v.SetDefault("progress.interval", 10*time.Second)
	v.SetDefault("progress.max_attempts", 3)
	v.SetDefault("progress.backoff", time.Second)
	v.SetDefault("progress.send_timeout", 10*time.Second)

	v.SetDefault("records.prune_after", 30*24*time.Hour)
}

// Load reads the configuration from cfgFile, or the default location when
// empty. The returned viper instance supports WatchConfig hot reload.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(GetConfigDir())
	}

	v.SetEnvPrefix("PLAYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, v, nil
}

// InitializeDirs creates the config and state directories.
func InitializeDirs() error {
	for _, dir := range []string{GetConfigDir(), GetStateDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// GetConfigDir returns the directory holding config.yaml.
func GetConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "playcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".playcore")
	}
	return filepath.Join(home, ".config", "playcore")
}

// GetStateDir returns the directory holding the database and logs.
func GetStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "playcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".playcore")
	}
	return filepath.Join(home, ".local", "state", "playcore")
}

// SaveDefaultConfig writes a config file populated with defaults.
func SaveDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
