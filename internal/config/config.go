// Package config loads schedwatch settings from YAML, .env files and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/schedwatch/internal/models"
)

// Config holds all schedwatch settings.
type Config struct {
	// APIURL is the control-plane base URL.
	APIURL string `yaml:"api_url"`
	// Timeout bounds every control-plane request.
	Timeout time.Duration `yaml:"timeout"`
	// StateDir holds the credential cache.
	StateDir string `yaml:"state_dir"`

	Stream    StreamConfig    `yaml:"stream"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Relay     RelayConfig     `yaml:"relay"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// StreamConfig controls the push connection.
type StreamConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is one of none, stdout, otlphttp.
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// RelayConfig controls the local HTTP relay.
type RelayConfig struct {
	Addr string `yaml:"addr"`
}

// DashboardConfig controls the live dashboard.
type DashboardConfig struct {
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	StatsRange      models.StatsRange `yaml:"stats_range"`
}

const (
	defaultAPIURL = "http://127.0.0.1:8000"
	envPrefix     = "SCHEDWATCH_"
)

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		APIURL:   defaultAPIURL,
		Timeout:  30 * time.Second,
		StateDir: defaultStateDir(),
		Stream: StreamConfig{
			ReconnectInterval: 3 * time.Second,
			MaxAttempts:       5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter: "none",
			Insecure: true,
		},
		Relay: RelayConfig{
			Addr: "127.0.0.1:7480",
		},
		Dashboard: DashboardConfig{
			RefreshInterval: 30 * time.Second,
			StatsRange:      models.Range24h,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".schedwatch"
	}
	return filepath.Join(home, ".schedwatch")
}

// DefaultPath returns ~/.schedwatch/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultStateDir(), "config.yaml")
}

// DBPath returns the credential cache database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "session.db")
}

// Load builds the configuration. Priority: environment > .env files > YAML file > defaults.
// A missing YAML file is not an error.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads ./.env and the user config dir .env. Both are optional
// and never override variables already set.
func loadEnvFiles() {
	files := []string{}
	for _, f := range envFiles() {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	if len(files) > 0 {
		_ = godotenv.Load(files...)
	}
}

func envFiles() []string {
	files := []string{".env"}
	if dir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, "schedwatch", ".env"))
	}
	return files
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
		return nil
	}

	str("API_URL", &c.APIURL)
	str("STATE_DIR", &c.StateDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("OTEL_EXPORTER", &c.Tracing.Exporter)
	str("OTEL_ENDPOINT", &c.Tracing.Endpoint)
	str("RELAY_ADDR", &c.Relay.Addr)

	var rng string
	str("STATS_RANGE", &rng)
	if rng != "" {
		c.Dashboard.StatsRange = models.StatsRange(rng)
	}

	for key, dst := range map[string]*time.Duration{
		"TIMEOUT":            &c.Timeout,
		"RECONNECT_INTERVAL": &c.Stream.ReconnectInterval,
		"REFRESH_INTERVAL":   &c.Dashboard.RefreshInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(envPrefix + "RECONNECT_ATTEMPTS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sRECONNECT_ATTEMPTS: %w", envPrefix, err)
		}
		c.Stream.MaxAttempts = n
	}
	if v, ok := lookup(envPrefix + "OTEL_INSECURE"); ok && strings.TrimSpace(v) != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			c.Tracing.Insecure = true
		case "0", "false", "no":
			c.Tracing.Insecure = false
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url must be an http(s) URL, got %q", c.APIURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Stream.ReconnectInterval <= 0 {
		return fmt.Errorf("stream.reconnect_interval must be positive")
	}
	if c.Stream.MaxAttempts < 0 {
		return fmt.Errorf("stream.max_attempts cannot be negative")
	}
	if c.Dashboard.RefreshInterval <= 0 {
		return fmt.Errorf("dashboard.refresh_interval must be positive")
	}
	if !c.Dashboard.StatsRange.Valid() {
		return fmt.Errorf("dashboard.stats_range must be 24h, 7d or 30d, got %q", c.Dashboard.StatsRange)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("tracing.exporter must be none, stdout or otlphttp, got %q", c.Tracing.Exporter)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
