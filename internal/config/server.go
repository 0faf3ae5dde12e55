package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MongoDBConfig holds MongoDB connection settings.
type MongoDBConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	CertificateKeyFile string        `mapstructure:"certificate_key_file"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxPoolSize        int           `mapstructure:"max_pool_size"`
	FixedTTLDays       int           `mapstructure:"fixed_ttl_days"`
}

// LogSourceConfig holds the hosting provider's log API settings. When
// the client certificate fields are set, fetches present that certificate
// to the log API over mTLS.
type LogSourceConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	PageLimit    int           `mapstructure:"page_limit"`
	MaxPages     int           `mapstructure:"max_pages"`
	CACert       string        `mapstructure:"ca_cert"`
	ClientCert   string        `mapstructure:"client_cert"`
	ClientKey    string        `mapstructure:"client_key"`
	ServerName   string        `mapstructure:"server_name"`
}

// UsesMTLS reports whether a client certificate is configured.
func (c LogSourceConfig) UsesMTLS() bool {
	return c.ClientCert != "" || c.ClientKey != ""
}

// ScannerConfig holds pass bounds and the heuristic windows.
type ScannerConfig struct {
	JobFallbackWindow time.Duration `mapstructure:"job_fallback_window"`
	ReconcileWindow   time.Duration `mapstructure:"reconcile_window"`
}

// AuthConfig holds the bearer token for the HTTP surface. An empty token
// disables authentication (local development only).
type AuthConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
}

// ServerMTLSConfig holds mTLS configuration for the server.
type ServerMTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CACert     string `mapstructure:"ca_cert"`
	ServerCert string `mapstructure:"server_cert"`
	ServerKey  string `mapstructure:"server_key"`
	ClientAuth string `mapstructure:"client_auth"` // require, request, or none
}

// ServerConfig represents the complete server configuration.
type ServerConfig struct {
	Server       HTTPServerConfig `mapstructure:"server"`
	MongoDB      MongoDBConfig    `mapstructure:"mongodb"`
	LogSource    LogSourceConfig  `mapstructure:"log_source"`
	Scanner      ScannerConfig    `mapstructure:"scanner"`
	Auth         AuthConfig       `mapstructure:"auth"`
	MTLS         ServerMTLSConfig `mapstructure:"mtls"`
	PatternsFile string           `mapstructure:"patterns_file"`
	LogLevel     string           `mapstructure:"log_level"`
	LogFormat    string           `mapstructure:"log_format"`
}

// LoadServerConfig loads the server configuration from a file.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8443")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("mongodb.database", "issuewatch")
	v.SetDefault("mongodb.timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 100)
	v.SetDefault("mongodb.fixed_ttl_days", 0)
	v.SetDefault("log_source.fetch_timeout", "30s")
	v.SetDefault("log_source.page_limit", 1000)
	v.SetDefault("log_source.max_pages", 10)
	v.SetDefault("scanner.job_fallback_window", "30m")
	v.SetDefault("scanner.reconcile_window", "7m")
	v.SetDefault("mtls.enabled", false)
	v.SetDefault("mtls.client_auth", "require")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.MongoDB.URI == "" {
		return nil, fmt.Errorf("mongodb.uri is required")
	}
	if config.LogSource.URL == "" {
		return nil, fmt.Errorf("log_source.url is required")
	}
	if config.LogSource.UsesMTLS() {
		if config.LogSource.CACert == "" || config.LogSource.ClientCert == "" || config.LogSource.ClientKey == "" {
			return nil, fmt.Errorf("log_source.ca_cert, client_cert and client_key are all required for log source mTLS")
		}
	}
	if config.MTLS.Enabled {
		if config.MTLS.CACert == "" || config.MTLS.ServerCert == "" || config.MTLS.ServerKey == "" {
			return nil, fmt.Errorf("mTLS certificates are required when mTLS is enabled")
		}
	}

	return &config, nil
}
