// Package config loads txqueue settings from the environment and from an
// optional YAML file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. TXQUEUE_MAX_FILE_SIZE.
	EnvPrefix = "TXQUEUE"

	// DefaultMaxFileSize is the data file rotation threshold when nothing
	// else is configured.
	DefaultMaxFileSize int64 = 64 * 1024 * 1024
)

// QueueConfig is the YAML form of a queue configuration.
type QueueConfig struct {
	Capacity   int  `mapstructure:"capacity"`
	Persistent bool `mapstructure:"persistent"`
}

// NamedQueueConfig is one entry of the queues list. Names are values rather
// than keys, so case and dots survive loading.
type NamedQueueConfig struct {
	Name       string `mapstructure:"name"`
	Capacity   int    `mapstructure:"capacity"`
	Persistent bool   `mapstructure:"persistent"`
}

// Config is the file and environment configuration of a manager.
type Config struct {
	WorkingDirectory        string             `mapstructure:"working_directory"`
	MaxFileSize             int64              `mapstructure:"max_file_size"`
	SyncWrites              bool               `mapstructure:"sync_writes"`
	JournalCompactThreshold int64              `mapstructure:"journal_compact_threshold"`
	LogLevel                string             `mapstructure:"log_level"`
	DefaultQueue            QueueConfig        `mapstructure:"default_queue"`
	Queues                  []NamedQueueConfig `mapstructure:"queues"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("working_directory", ".")
	v.SetDefault("max_file_size", DefaultMaxFileSize)
	v.SetDefault("sync_writes", true)
	v.SetDefault("journal_compact_threshold", 4*1024*1024)
	v.SetDefault("log_level", "info")
	v.SetDefault("default_queue.capacity", 0)
	v.SetDefault("default_queue.persistent", false)
	return v
}

// MaxFileSize returns the data file rotation threshold from
// TXQUEUE_MAX_FILE_SIZE, or DefaultMaxFileSize when unset or invalid.
func MaxFileSize() int64 {
	v := newViper()
	if size := v.GetInt64("max_file_size"); size > 0 {
		return size
	}
	return DefaultMaxFileSize
}

// Load reads the YAML file at path, if any, overlaid by TXQUEUE_*
// environment variables. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("max_file_size must be positive, got %d", cfg.MaxFileSize)
	}
	if cfg.DefaultQueue.Capacity < 0 {
		return nil, fmt.Errorf("default_queue: capacity cannot be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Queues))
	for _, q := range cfg.Queues {
		if q.Capacity < 0 {
			return nil, fmt.Errorf("queue %q: capacity cannot be negative", q.Name)
		}
		if _, dup := seen[q.Name]; dup {
			return nil, fmt.Errorf("queue %q is configured twice", q.Name)
		}
		seen[q.Name] = struct{}{}
	}
	return &cfg, nil
}
