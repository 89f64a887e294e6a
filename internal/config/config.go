// ABOUTME: Configuration loading and parsing for roomfeed.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete roomfeed configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Matrix    MatrixConfig    `yaml:"matrix"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds optional tsnet exposure of the dashboard.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// MatrixConfig holds protocol client configuration.
type MatrixConfig struct {
	// DefaultHomeserver prefills the link-account form and is used when
	// a user submits a bare username.
	DefaultHomeserver string `yaml:"default_homeserver"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds dashboard authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PipelineConfig holds event-processing tuning knobs.
type PipelineConfig struct {
	DedupeTTL  time.Duration `yaml:"-"`
	DedupeMax  int           `yaml:"dedupe_max"`
	QueueSize  int           `yaml:"queue_size"`
	FeedLength int           `yaml:"feed_length"`

	// Raw string value for YAML unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent.
const (
	defaultDedupeTTL  = 10 * time.Minute
	defaultDedupeMax  = 10000
	defaultQueueSize  = 256
	defaultFeedLength = 100
)

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Pipeline.DedupeTTL == 0 {
		c.Pipeline.DedupeTTL = defaultDedupeTTL
	}
	if c.Pipeline.DedupeMax == 0 {
		c.Pipeline.DedupeMax = defaultDedupeMax
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = defaultQueueSize
	}
	if c.Pipeline.FeedLength == 0 {
		c.Pipeline.FeedLength = defaultFeedLength
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	return nil
}

func parseDurations(cfg *Config) error {
	if cfg.Pipeline.DedupeTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Pipeline.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Pipeline.DedupeTTLRaw, err)
		}
		cfg.Pipeline.DedupeTTL = d
	}
	return nil
}
