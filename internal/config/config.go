// Configuration for the LuminaryChat gateway.
//
// DESIGN: yaml file with defaults, then environment overrides on top. The
// env names match the ones the service has always honoured (API_URL,
// API_KEY, MODEL_NAME, ...), so a bare environment with no config file is a
// fully supported deployment. The api_key value supports ${VAR} syntax.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned by Validate when no upstream credential is
// configured. Callers can match it to print setup instructions.
var ErrMissingAPIKey = errors.New("upstream api key must be set")

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig configures the single upstream provider. Exactly one
// upstream endpoint and one upstream model are active at a time.
type UpstreamConfig struct {
	URL              string        `yaml:"url"`
	APIKey           string        `yaml:"api_key"` // supports ${VAR} syntax
	Model            string        `yaml:"model"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`
	MaxConnections   int           `yaml:"max_connections"`
}

// RateLimitConfig configures per-client admission control.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// MetricsConfig configures the observability endpoints.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PersonasConfig configures persona loading. Dir is optional; the embedded
// defaults are always available.
type PersonasConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Personas  PersonasConfig  `yaml:"personas"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when a knob is absent from both the
// config file and the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute, // per-chunk for streaming, not total
		},
		Upstream: UpstreamConfig{
			URL:              "https://api.zaguanai.com/v1",
			Model:            "promptshield/gemini-flash-lite-latest",
			MaxRetries:       3,
			RetryDelay:       time.Second,
			RequestTimeout:   60 * time.Second,
			ConnectTimeout:   10 * time.Second,
			KeepAliveTimeout: 5 * time.Second,
			MaxConnections:   100,
		},
		RateLimit: RateLimitConfig{PerMinute: 60},
		Metrics:   MetricsConfig{Enabled: true},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads a yaml config file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses yaml on top of the defaults and applies environment
// overrides.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults and environment variables
// alone, for deployments without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration and expands
// ${VAR} references in the credential.
func (c *Config) ApplyEnv() {
	setString(&c.Upstream.URL, "API_URL")
	setString(&c.Upstream.APIKey, "API_KEY", "ZAGUANAI_API_KEY")
	setString(&c.Upstream.Model, "MODEL_NAME")
	setString(&c.Server.Host, "HOST")
	setInt(&c.Server.Port, "PORT")
	setInt(&c.Upstream.MaxConnections, "MAX_WORKERS")
	setSeconds(&c.Upstream.RequestTimeout, "REQUEST_TIMEOUT")
	setSeconds(&c.Upstream.KeepAliveTimeout, "KEEPALIVE_TIMEOUT")
	setInt(&c.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE")
	setInt(&c.Upstream.MaxRetries, "MAX_RETRIES")
	setSeconds(&c.Upstream.RetryDelay, "RETRY_DELAY")
	setBool(&c.Metrics.Enabled, "ENABLE_METRICS")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Personas.Dir, "PERSONAS_DIR")

	c.Upstream.APIKey = os.ExpandEnv(c.Upstream.APIKey)
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream url must be set")
	}
	if c.Upstream.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Upstream.Model == "" {
		return fmt.Errorf("upstream model must be set")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Upstream.MaxConnections < 1 {
		return fmt.Errorf("upstream max_connections must be at least 1")
	}
	if c.Upstream.RequestTimeout < time.Second {
		return fmt.Errorf("upstream request_timeout must be at least 1s")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("upstream max_retries must be at least 1")
	}
	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit per_minute must be at least 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "critical", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return nil
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setSeconds parses an env value as a number of seconds, matching the units
// the service has always used (REQUEST_TIMEOUT=60, RETRY_DELAY=1.0).
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			*dst = true
		case "0", "false", "f", "no", "n", "off":
			*dst = false
		}
	}
}
