package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML
// ("30s", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NtfyConfig holds the ntfy configuration.
type NtfyConfig struct {
	ServerURL string `yaml:"server_url"`
	Topic     string `yaml:"topic"`
}

// TracingConfig holds the OTLP exporter configuration.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

// UsageConfig controls the usage tracker.
type UsageConfig struct {
	FlushInterval  Duration `yaml:"flush_interval"`
	SessionTimeout Duration `yaml:"session_timeout"`
}

// HistoryConfig controls the tool call history log.
type HistoryConfig struct {
	MaxPerConnection int `yaml:"max_per_connection"`
	MaxOnDisk        int `yaml:"max_on_disk"`
	RotateEvery      int `yaml:"rotate_every"`
}

// MonitorConfig controls the memory monitor.
type MonitorConfig struct {
	Interval    Duration `yaml:"interval"`
	ThresholdMB uint64   `yaml:"threshold_mb"`
}

// Config holds the application configuration.
type Config struct {
	Addr              string           `yaml:"addr"`
	TLSCert           string           `yaml:"tls_cert"`
	TLSKey            string           `yaml:"tls_key"`
	ShutdownTimeout   Duration         `yaml:"shutdown_timeout"`
	DrainFraction     float64          `yaml:"drain_fraction"`
	BindTimeout       Duration         `yaml:"bind_timeout"`
	PhaseDeadlines    map[int]Duration `yaml:"phase_deadlines"`
	HeartbeatInterval Duration         `yaml:"heartbeat_interval"`
	Category          string           `yaml:"category"`
	DataDir           string           `yaml:"data_dir"`
	BrowserPath       string           `yaml:"browser_path"`
	RedisURL          string           `yaml:"redis_url"`
	LogLevel          string           `yaml:"log_level"`
	LogFormat         string           `yaml:"log_format"`
	Tracing           TracingConfig    `yaml:"tracing"`
	Ntfy              NtfyConfig       `yaml:"ntfy"`
	Usage             UsageConfig      `yaml:"usage"`
	History           HistoryConfig    `yaml:"history"`
	Monitor           MonitorConfig    `yaml:"monitor"`
}

// Default returns the configuration used when no file or environment
// variable says otherwise.
func Default() *Config {
	return &Config{
		Addr:              "127.0.0.1:30437",
		ShutdownTimeout:   Duration(30 * time.Second),
		DrainFraction:     0.5,
		BindTimeout:       Duration(10 * time.Second),
		HeartbeatInterval: Duration(30 * time.Second),
		Category:          "toolhost",
		DataDir:           "data",
		LogLevel:          "info",
		LogFormat:         "text",
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Environment: "development",
		},
		Usage: UsageConfig{
			FlushInterval:  Duration(5 * time.Minute),
			SessionTimeout: Duration(30 * time.Minute),
		},
		History: HistoryConfig{
			MaxPerConnection: 1000,
			MaxOnDisk:        5000,
			RotateEvery:      100,
		},
		Monitor: MonitorConfig{
			Interval:    Duration(30 * time.Second),
			ThresholdMB: 100,
		},
	}
}

// Load loads the configuration from a YAML file and environment variables.
// A missing file is not an error; defaults and the environment still apply.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	stringVars := map[string]*string{
		"TOOLHOST_ADDR":         &config.Addr,
		"TOOLHOST_TLS_CERT":     &config.TLSCert,
		"TOOLHOST_TLS_KEY":      &config.TLSKey,
		"TOOLHOST_CATEGORY":     &config.Category,
		"TOOLHOST_DATA_DIR":     &config.DataDir,
		"TOOLHOST_BROWSER_PATH": &config.BrowserPath,
		"TOOLHOST_REDIS_URL":    &config.RedisURL,
		"TOOLHOST_LOG_LEVEL":    &config.LogLevel,
		"TOOLHOST_LOG_FORMAT":   &config.LogFormat,
		"NTFY_SERVER_URL":       &config.Ntfy.ServerURL,
		"NTFY_TOPIC":            &config.Ntfy.Topic,
	}
	for key, dst := range stringVars {
		if v, exists := os.LookupEnv(key); exists {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"TOOLHOST_SHUTDOWN_TIMEOUT": &config.ShutdownTimeout,
		"TOOLHOST_BIND_TIMEOUT":     &config.BindTimeout,
	}
	for key, dst := range durations {
		if v, exists := os.LookupEnv(key); exists {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v, exists := os.LookupEnv("TOOLHOST_DRAIN_FRACTION"); exists {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TOOLHOST_DRAIN_FRACTION: %w", err)
		}
		config.DrainFraction = f
	}
	if v, exists := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); exists && v != "" {
		config.Tracing.Endpoint = v
		config.Tracing.Enabled = true
	}
	return nil
}

// Validate checks field combinations that would otherwise fail later.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if c.DrainFraction <= 0 || c.DrainFraction > 1 {
		errs = append(errs, fmt.Errorf("drain_fraction must be in (0,1], got %v", c.DrainFraction))
	}
	if c.BindTimeout <= 0 {
		errs = append(errs, errors.New("bind_timeout must be positive"))
	}
	for phase, d := range c.PhaseDeadlines {
		if phase < 0 || d <= 0 {
			errs = append(errs, fmt.Errorf("phase_deadlines[%d] = %s is invalid", phase, d.Std()))
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Category == "" {
		errs = append(errs, errors.New("category is required"))
	}
	return errors.Join(errs...)
}

// TLSEnabled reports whether a certificate pair was configured.
func (c *Config) TLSEnabled() bool { return c.TLSCert != "" && c.TLSKey != "" }

// Phases converts PhaseDeadlines to plain durations.
func (c *Config) Phases() map[int]time.Duration {
	if len(c.PhaseDeadlines) == 0 {
		return nil
	}
	out := make(map[int]time.Duration, len(c.PhaseDeadlines))
	for phase, d := range c.PhaseDeadlines {
		out[phase] = d.Std()
	}
	return out
}
