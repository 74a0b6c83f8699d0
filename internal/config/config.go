// ABOUTME: Configuration loading and parsing for the curator coordinator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete curator configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metadata MetadataConfig `yaml:"metadata"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds session database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig holds retry and timeout settings for the coordinator
type PipelineConfig struct {
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	RequestTimeout time.Duration `yaml:"-"`
	ConnectTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
}

// MetadataConfig points at the TOML metadata field schema
type MetadataConfig struct {
	SchemaPath string `yaml:"schema_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for the pipeline settings.
const (
	DefaultMaxRetryAttempts = 5
	DefaultRequestTimeout   = 5 * time.Minute
	DefaultConnectTimeout   = 10 * time.Second
)

// Default returns a configuration with all defaults applied, usable without
// a config file.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8484"},
		Database: DatabaseConfig{Path: "curator.db"},
		Pipeline: PipelineConfig{
			MaxRetryAttempts: DefaultMaxRetryAttempts,
			RequestTimeout:   DefaultRequestTimeout,
			ConnectTimeout:   DefaultConnectTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Pipeline.MaxRetryAttempts < 0 {
		return fmt.Errorf("pipeline.max_retry_attempts must not be negative")
	}
	if c.Pipeline.RequestTimeout < 0 || c.Pipeline.ConnectTimeout < 0 {
		return fmt.Errorf("pipeline timeouts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Pipeline.RequestTimeoutRaw != "" {
		cfg.Pipeline.RequestTimeout, err = time.ParseDuration(cfg.Pipeline.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Pipeline.RequestTimeoutRaw, err)
		}
	}

	if cfg.Pipeline.ConnectTimeoutRaw != "" {
		cfg.Pipeline.ConnectTimeout, err = time.ParseDuration(cfg.Pipeline.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Pipeline.ConnectTimeoutRaw, err)
		}
	}

	return nil
}
