// ABOUTME: Configuration loading and parsing for conure-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for optional settings.
const (
	DefaultKeepaliveTime    = 15 * time.Second
	DefaultKeepaliveTimeout = 5 * time.Second
	DefaultFeedHistory      = 1024
)

// Config represents the complete conure-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	// GRPCAddr is where agents dial in (capability sessions over gRPC).
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// StreamAddr optionally serves the same sessions as raw CBOR over TCP.
	StreamAddr string `yaml:"stream_addr" toml:"stream_addr"`
	// HTTPAddr serves health checks and the monitoring API.
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`

	// ReportRetention prunes stored reports older than this. Zero keeps
	// everything.
	ReportRetention    time.Duration `yaml:"-" toml:"-"`
	ReportRetentionRaw string        `yaml:"report_retention" toml:"report_retention"`
}

// AgentsConfig holds agent connection settings
type AgentsConfig struct {
	KeepaliveTime    time.Duration `yaml:"-" toml:"-"`
	KeepaliveTimeout time.Duration `yaml:"-" toml:"-"`

	// FeedHistory bounds each registry feed subscriber's buffer.
	FeedHistory int `yaml:"feed_history" toml:"feed_history"`

	// Raw string values for unmarshaling
	KeepaliveTimeRaw    string `yaml:"keepalive_time" toml:"keepalive_time"`
	KeepaliveTimeoutRaw string `yaml:"keepalive_timeout" toml:"keepalive_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agents.KeepaliveTime == 0 {
		c.Agents.KeepaliveTime = DefaultKeepaliveTime
	}
	if c.Agents.KeepaliveTimeout == 0 {
		c.Agents.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.Agents.FeedHistory == 0 {
		c.Agents.FeedHistory = DefaultFeedHistory
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.FeedHistory < 0 {
		return fmt.Errorf("agents.feed_history must not be negative, got %d", c.Agents.FeedHistory)
	}

	if c.Database.ReportRetention < 0 {
		return fmt.Errorf("database.report_retention must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.KeepaliveTimeRaw != "" {
		cfg.Agents.KeepaliveTime, err = time.ParseDuration(cfg.Agents.KeepaliveTimeRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_time %q: %w", cfg.Agents.KeepaliveTimeRaw, err)
		}
	}

	if cfg.Agents.KeepaliveTimeoutRaw != "" {
		cfg.Agents.KeepaliveTimeout, err = time.ParseDuration(cfg.Agents.KeepaliveTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_timeout %q: %w", cfg.Agents.KeepaliveTimeoutRaw, err)
		}
	}

	if cfg.Database.ReportRetentionRaw != "" {
		cfg.Database.ReportRetention, err = time.ParseDuration(cfg.Database.ReportRetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing report_retention %q: %w", cfg.Database.ReportRetentionRaw, err)
		}
	}

	return nil
}
