package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"toolhost/internal/app"
	"toolhost/internal/config"
	"toolhost/internal/lifecycle"
	"toolhost/internal/logging"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errUnclean is returned when the host stopped but not every component shut
// down in time. The details are already logged.
var errUnclean = errors.New("unclean shutdown")

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolhost",
		Short: "MCP tool host with bounded graceful shutdown",
		Long: `toolhost serves MCP tools over streamable HTTP. On SIGINT or SIGTERM it
drains the listener and then shuts down its managers phase by phase, all
within --shutdown-timeout. The exit status is 0 only when every component
shut down cleanly.

Examples:
  # Serve on the default address
  toolhost

  # Serve over TLS with a 10s shutdown budget
  toolhost --http 0.0.0.0:8443 --tls-cert cert.pem --tls-key key.pem --shutdown-timeout 10s`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("http", "", "address to listen on (default 127.0.0.1:30437)")
	flags.String("tls-cert", "", "PEM certificate for HTTPS")
	flags.String("tls-key", "", "PEM private key for HTTPS")
	flags.Duration("shutdown-timeout", 30*time.Second, "total time allowed for graceful shutdown")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	cmd.MarkFlagsRequiredTogether("tls-cert", "tls-key")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("toolhost %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})
	return cmd
}

// resolveConfig loads the config file and environment, then applies the
// flags that were set explicitly.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	stringFlags := map[string]*string{
		"http":       &cfg.Addr,
		"tls-cert":   &cfg.TLSCert,
		"tls-key":    &cfg.TLSKey,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("shutdown-timeout") {
		d, _ := flags.GetDuration("shutdown-timeout")
		cfg.ShutdownTimeout = config.Duration(d)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "toolhost")
	slog.SetDefault(logger)
	app.Version = version

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	rep, err := a.Run(ctx, lifecycle.OSSignals{})
	if err != nil {
		return err
	}
	if app.ExitCode(rep, nil) != 0 {
		return errUnclean
	}
	logger.Info("toolhost stopped", "elapsed", rep.Elapsed)
	return nil
}
