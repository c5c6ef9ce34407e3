package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/connection"
	"github.com/srg/blecentral/scanner"
	"gopkg.in/yaml.v3"
)

// Output formats understood by the CLI.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"`

	ScanDuration    time.Duration `yaml:"scan_duration" default:"10s"`
	AllowDuplicates bool          `yaml:"allow_duplicates"`

	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	EnumerateTimeout   time.Duration `yaml:"enumerate_timeout" default:"20s"`
	AttributeTimeout   time.Duration `yaml:"attribute_timeout" default:"5s"`
	DisconnectTimeout  time.Duration `yaml:"disconnect_timeout" default:"5s"`
	MaxWriteChunk      int           `yaml:"max_write_chunk" default:"20"`
	WritePacing        time.Duration `yaml:"write_pacing" default:"10ms"`
	NotificationBuffer int           `yaml:"notification_buffer" default:"256"`

	// CachePath enables the SQLite peripheral cache when set.
	CachePath string `yaml:"cache_path"`
	FeedAddr  string `yaml:"feed_addr" default:"127.0.0.1:8765"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the session manager cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch c.OutputFormat {
	case FormatTable, FormatJSON:
	default:
		return fmt.Errorf("invalid output_format %q (expected %s or %s)", c.OutputFormat, FormatTable, FormatJSON)
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"enumerate_timeout", c.EnumerateTimeout},
		{"attribute_timeout", c.AttributeTimeout},
		{"disconnect_timeout", c.DisconnectTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("invalid %s: must be positive, got %s", d.name, d.value)
		}
	}
	if c.ScanDuration < 0 {
		return fmt.Errorf("invalid scan_duration: must not be negative, got %s", c.ScanDuration)
	}
	if c.WritePacing < 0 {
		return fmt.Errorf("invalid write_pacing: must not be negative, got %s", c.WritePacing)
	}
	if c.MaxWriteChunk <= 0 {
		return fmt.Errorf("invalid max_write_chunk: must be positive, got %d", c.MaxWriteChunk)
	}
	if c.NotificationBuffer <= 0 {
		return fmt.Errorf("invalid notification_buffer: must be positive, got %d", c.NotificationBuffer)
	}
	return nil
}

// Level returns the parsed log level, Info when it cannot be parsed.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ConnectionOptions returns the per-connection limits.
func (c *Config) ConnectionOptions() connection.Options {
	return connection.Options{
		ConnectTimeout:    c.ConnectTimeout,
		EnumerateTimeout:  c.EnumerateTimeout,
		AttributeTimeout:  c.AttributeTimeout,
		DisconnectTimeout: c.DisconnectTimeout,
		MaxWriteChunk:     c.MaxWriteChunk,
		WritePacing:       c.WritePacing,
		StreamBuffer:      c.NotificationBuffer,
	}
}

// ScanOptions returns the default discovery options.
func (c *Config) ScanOptions() scanner.ScanOptions {
	return scanner.ScanOptions{
		Duration:        c.ScanDuration,
		AllowDuplicates: c.AllowDuplicates,
	}
}
