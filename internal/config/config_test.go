package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	// Test case 1: Load from YAML
	yamlContent := `
addr: "0.0.0.0:9000"
shutdown_timeout: "45s"
drain_fraction: 0.25
phase_deadlines:
  1: "5s"
browser_path: "/path/from/yaml"
log_level: "debug"
usage:
  flush_interval: "1m"
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("expected Addr to be '0.0.0.0:9000', got '%s'", cfg.Addr)
	}
	if cfg.ShutdownTimeout.Std() != 45*time.Second {
		t.Errorf("expected ShutdownTimeout 45s, got %s", cfg.ShutdownTimeout.Std())
	}
	if cfg.DrainFraction != 0.25 {
		t.Errorf("expected DrainFraction 0.25, got %v", cfg.DrainFraction)
	}
	if got := cfg.Phases()[1]; got != 5*time.Second {
		t.Errorf("expected phase 1 deadline 5s, got %s", got)
	}
	if cfg.BrowserPath != "/path/from/yaml" {
		t.Errorf("expected BrowserPath to be '/path/from/yaml', got '%s'", cfg.BrowserPath)
	}
	if cfg.Usage.FlushInterval.Std() != time.Minute {
		t.Errorf("expected flush interval 1m, got %s", cfg.Usage.FlushInterval.Std())
	}
	// Untouched fields keep defaults.
	if cfg.Usage.SessionTimeout.Std() != 30*time.Minute {
		t.Errorf("expected default session timeout, got %s", cfg.Usage.SessionTimeout.Std())
	}
	if cfg.History.MaxOnDisk != 5000 {
		t.Errorf("expected default MaxOnDisk 5000, got %d", cfg.History.MaxOnDisk)
	}

	// Test case 2: Override with environment variables
	t.Setenv("TOOLHOST_ADDR", "127.0.0.1:7000")
	t.Setenv("TOOLHOST_BROWSER_PATH", "/path/from/env")
	t.Setenv("TOOLHOST_SHUTDOWN_TIMEOUT", "10s")
	t.Setenv("NTFY_TOPIC", "alerts")

	cfg, err = Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Addr != "127.0.0.1:7000" {
		t.Errorf("expected env Addr, got '%s'", cfg.Addr)
	}
	if cfg.BrowserPath != "/path/from/env" {
		t.Errorf("expected BrowserPath to be '/path/from/env', got '%s'", cfg.BrowserPath)
	}
	if cfg.ShutdownTimeout.Std() != 10*time.Second {
		t.Errorf("expected ShutdownTimeout 10s, got %s", cfg.ShutdownTimeout.Std())
	}
	if cfg.Ntfy.Topic != "alerts" {
		t.Errorf("expected ntfy topic 'alerts', got '%s'", cfg.Ntfy.Topic)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ShutdownTimeout.Std() != 30*time.Second {
		t.Errorf("expected default shutdown timeout, got %s", cfg.ShutdownTimeout.Std())
	}
	if cfg.DrainFraction != 0.5 {
		t.Errorf("expected default drain fraction, got %v", cfg.DrainFraction)
	}
	if cfg.TLSEnabled() {
		t.Error("expected TLS disabled by default")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`shutdown_timeout: "soon"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("TOOLHOST_SHUTDOWN_TIMEOUT", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid TOOLHOST_SHUTDOWN_TIMEOUT")
	}
}

func TestLoad_OTLPEndpointEnablesTracing(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4318" {
		t.Errorf("expected tracing enabled at collector:4318, got %+v", cfg.Tracing)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"tls pair", func(c *Config) { c.TLSCert, c.TLSKey = "c.pem", "k.pem" }, false},
		{"cert without key", func(c *Config) { c.TLSCert = "c.pem" }, true},
		{"key without cert", func(c *Config) { c.TLSKey = "k.pem" }, true},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, true},
		{"drain fraction too big", func(c *Config) { c.DrainFraction = 1.2 }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"negative phase", func(c *Config) { c.PhaseDeadlines = map[int]Duration{-1: Duration(time.Second)} }, true},
		{"empty addr", func(c *Config) { c.Addr = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
