package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LogFileConfig represents a single log file to follow.
type LogFileConfig struct {
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// TailerBatchConfig controls how followed lines are buffered before each
// pipeline flush.
type TailerBatchConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBuffer     int           `mapstructure:"max_buffer"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// TailerConfig represents the complete tailer configuration. The tailer
// runs the extraction pipeline locally over followed files and writes
// straight into the issue store.
type TailerConfig struct {
	LogFiles     []LogFileConfig   `mapstructure:"log_files"`
	Batching     TailerBatchConfig `mapstructure:"batching"`
	MongoDB      MongoDBConfig     `mapstructure:"mongodb"`
	StateFile    string            `mapstructure:"state_file"`
	PatternsFile string            `mapstructure:"patterns_file"`
	LogLevel     string            `mapstructure:"log_level"`
	LogFormat    string            `mapstructure:"log_format"`
}

// LoadTailerConfig loads the tailer configuration from a file.
func LoadTailerConfig(configPath string) (*TailerConfig, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("batching.flush_interval", "10s")
	v.SetDefault("batching.max_buffer", 2000)
	v.SetDefault("batching.queue_size", 1000)
	v.SetDefault("mongodb.database", "issuewatch")
	v.SetDefault("mongodb.timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 10)
	v.SetDefault("state_file", "/var/lib/issuewatch/tailer-state.json")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config TailerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.MongoDB.URI == "" {
		return nil, fmt.Errorf("mongodb.uri is required")
	}
	if len(config.LogFiles) == 0 {
		return nil, fmt.Errorf("at least one log file must be configured")
	}

	return &config, nil
}
