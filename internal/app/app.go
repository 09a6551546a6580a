// Package app assembles the tool host: it builds every collaborator from the
// configuration, registers them for shutdown and runs the orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"toolhost/internal/browser"
	"toolhost/internal/config"
	"toolhost/internal/history"
	"toolhost/internal/lifecycle"
	"toolhost/internal/mcpserver"
	"toolhost/internal/monitor"
	"toolhost/internal/notify"
	"toolhost/internal/retry"
	"toolhost/internal/session"
	"toolhost/internal/tracing"
	"toolhost/internal/usage"
)

// Version is reported to MCP clients.
var Version = "dev"

// Shutdown phases. Listener drain always comes first.
const (
	// PhaseWorkers stops producers of state: the browser, the memory
	// monitor and the usage tracker's final flush.
	PhaseWorkers = 0
	// PhaseState drops sessions and flushes the history log.
	PhaseState = 1
	// PhaseClients closes shared clients used by earlier phases.
	PhaseClients = 2
)

const (
	redisConnectTimeout = 5 * time.Second
	alertTimeout        = 5 * time.Second
)

// InstanceID names one run of the process: <category>-<yyyymmdd-hhmmss>-<pid>.
func InstanceID(category string, now time.Time, pid int) string {
	return fmt.Sprintf("%s-%s-%d", category, now.Format("20060102-150405"), pid)
}

// App is a fully wired tool host.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string

	sessions *session.Manager
	history  *history.Provider
	usage    *usage.Tracker
	browser  *browser.Manager
	memory   *monitor.Memory
	tracing  *tracing.Provider
	redis    *redis.Client
	ntfy     *notify.NtfyClient
	mcp      *mcpserver.Server

	registry *lifecycle.Registry
	orch     *lifecycle.Orchestrator
}

// New builds the collaborators described by cfg. Nothing listens until
// Start. An unreachable Redis server is logged and skipped.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     logger,
		instanceID: InstanceID(cfg.Category, time.Now(), os.Getpid()),
		ntfy:       notify.NewNtfyClient(cfg.Ntfy.ServerURL, cfg.Ntfy.Topic),
	}

	a.sessions = session.NewManager(logger)
	a.history = history.NewProvider(history.Config{
		Path:             filepath.Join(cfg.DataDir, "tool_history.jsonl"),
		MaxPerConnection: cfg.History.MaxPerConnection,
		MaxOnDisk:        cfg.History.MaxOnDisk,
		RotateEvery:      cfg.History.RotateEvery,
	}, logger)

	sinks := []usage.Sink{usage.FileSink{
		Path: filepath.Join(cfg.DataDir, fmt.Sprintf("usage_%s.json", a.instanceID)),
	}}
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, usage mirror disabled", "err", err)
		} else {
			a.redis = rdb
			sinks = append(sinks, usage.NewRedisSink(rdb, "", 7*24*time.Hour))
		}
	}
	a.usage = usage.NewTracker(usage.Config{
		InstanceID:     a.instanceID,
		FlushInterval:  cfg.Usage.FlushInterval.Std(),
		SessionTimeout: cfg.Usage.SessionTimeout.Std(),
	}, logger, sinks...)

	a.browser = browser.NewManager(browser.Config{Bin: cfg.BrowserPath, Headless: true}, logger)

	a.tracing = tracing.NewProvider(tracing.TracerConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: tracing.DefaultTracerConfig().ServiceName,
		Environment: cfg.Tracing.Environment,
		Enabled:     cfg.Tracing.Enabled,
	})

	a.mcp = mcpserver.New(mcpserver.Config{
		Name:              "toolhost",
		Version:           Version,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
	}, a.sessions, logger)
	a.mcp.Observe(mcpserver.ObserverFunc(a.recordCall))
	a.sessions.OnDisconnect(a.forgetConnection)
	mcpserver.RegisterBuiltins(a.mcp, mcpserver.Builtins{
		Status:  a.status,
		Usage:   a.usage.Stats,
		History: a.history.History,
		Browser: a.browser,
	})

	a.memory = monitor.NewMemory(monitor.Config{
		Interval:       cfg.Monitor.Interval.Std(),
		ThresholdBytes: cfg.Monitor.ThresholdMB << 20,
	}, monitor.HeapSampler, a.mcp.Requests, logger)
	a.memory.OnGrowth(a.memoryAlert)

	a.registry = lifecycle.NewRegistry(logger)
	if err := a.registerManagers(); err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Handler:           a.mcp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	httpServer.RegisterOnShutdown(a.mcp.CloseStreams)

	var transport lifecycle.TransportFactory = lifecycle.PlainTransport{}
	if cfg.TLSEnabled() {
		transport = lifecycle.TLSTransport{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey}
	}
	a.orch = lifecycle.New(lifecycle.Config{
		Addr:            cfg.Addr,
		Transport:       transport,
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
		DrainFraction:   cfg.DrainFraction,
		PhaseDeadlines:  cfg.Phases(),
		BindTimeout:     cfg.BindTimeout.Std(),
	}, a.registry, nil,
		lifecycle.WithLogger(logger),
		lifecycle.WithServer(httpServer),
		lifecycle.WithInitializers(a.tracing, a.history),
	)
	return a, nil
}

// connectRedis retries transient failures; a malformed URL fails at once.
func connectRedis(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	if _, err := redis.ParseURL(url); err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	var rdb *redis.Client
	_, err := retry.Do(ctx, retry.DefaultPolicy(), logger, "redis connect", func(ctx context.Context) error {
		var err error
		rdb, err = usage.ConnectRedis(ctx, url)
		return err
	})
	return rdb, err
}

func (a *App) registerManagers() error {
	entries := []lifecycle.Entry{
		{Name: "browser", Phase: PhaseWorkers, Hook: a.browser},
		{Name: "memory-monitor", Phase: PhaseWorkers, Hook: a.memory},
		{Name: "usage", Phase: PhaseWorkers, Hook: a.usage},
		{Name: "sessions", Phase: PhaseState, Hook: a.sessions},
		{Name: "history", Phase: PhaseState, Hook: a.history},
		{Name: "tracing", Phase: PhaseClients, Hook: a.tracing},
	}
	if rdb := a.redis; rdb != nil {
		entries = append(entries, lifecycle.Entry{Name: "redis", Phase: PhaseClients, Hook: lifecycle.HookFunc(func(ctx context.Context) error {
			return rdb.Close()
		})})
	}
	for _, e := range entries {
		if err := a.registry.Register(e.Name, e.Phase, e.Hook); err != nil {
			return fmt.Errorf("register %s: %w", e.Name, err)
		}
	}
	return nil
}

// InstanceID returns the identifier of this run.
func (a *App) InstanceID() string { return a.instanceID }

// Registry exposes the shutdown registry so embedders can add managers
// before Start.
func (a *App) Registry() *lifecycle.Registry { return a.registry }

// Orchestrator returns the underlying orchestrator.
func (a *App) Orchestrator() *lifecycle.Orchestrator { return a.orch }

// Start binds the listener and starts the background workers.
func (a *App) Start(ctx context.Context) (*lifecycle.Handle, error) {
	h, err := a.orch.Start(ctx)
	if err != nil {
		return nil, err
	}
	a.usage.Start()
	a.memory.Start()
	a.logger.Info("toolhost ready",
		"instance", a.instanceID,
		"url", h.URL(),
		"tools", a.mcp.Tools(),
		"managers", a.registry.Len(),
	)
	return h, nil
}

// Run starts the host, waits for src (or a listener fault) to stop it and
// returns the shutdown report.
func (a *App) Run(ctx context.Context, src lifecycle.SignalSource) (*lifecycle.Report, error) {
	h, err := a.Start(ctx)
	if err != nil {
		return nil, err
	}
	go lifecycle.StopOnSignal(ctx, src, h, a.logger)

	rep, err := h.Await(context.Background())
	if err != nil {
		return nil, err
	}
	if !rep.OK() {
		a.logger.Error("unclean shutdown", "failed", rep.FailedComponents(), "overall", rep.Overall.String())
		a.shutdownAlert(rep)
	}
	return rep, nil
}

// ExitCode maps the result of Run to a process exit status.
func ExitCode(rep *lifecycle.Report, err error) int {
	if err != nil || !rep.OK() {
		return 1
	}
	return 0
}

func (a *App) recordCall(c mcpserver.Call) {
	if c.Success {
		a.usage.TrackSuccess(c.SessionID, c.Tool)
	} else {
		a.usage.TrackFailure(c.SessionID, c.Tool)
	}
	h, err := a.history.History()
	if err != nil {
		return
	}
	h.Track(c.SessionID, c.Tool, c.Args, c.Output, c.Success, c.Duration)
}

func (a *App) forgetConnection(sessionID string) {
	a.usage.RemoveConnection(sessionID)
	if h, err := a.history.History(); err == nil {
		h.RemoveConnection(sessionID)
	}
}

func (a *App) status(ctx context.Context) mcpserver.Status {
	st := mcpserver.Status{
		Instance: a.instanceID,
		Uptime:   a.usage.Uptime().Round(time.Second).String(),
	}
	if degraded := a.orch.Degraded(); len(degraded) > 0 {
		st.Degraded = make(map[string]string, len(degraded))
		for name, err := range degraded {
			st.Degraded[name] = err.Error()
		}
	}
	return st
}

func (a *App) shutdownAlert(rep *lifecycle.Report) {
	if !a.ntfy.Enabled() {
		return
	}
	msg := notify.Message{
		Title:    fmt.Sprintf("%s shut down uncleanly", a.instanceID),
		Body:     fmt.Sprintf("%s\nfailed: %s", rep.Overall.String(), strings.Join(rep.FailedComponents(), ", ")),
		Priority: notify.PriorityHigh,
		Tags:     []string{"warning"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	_, err := retry.Do(ctx, retry.DefaultPolicy(), a.logger, "shutdown alert", func(ctx context.Context) error {
		return a.ntfy.Publish(ctx, msg)
	})
	if err != nil {
		a.logger.Warn("failed to send shutdown alert", "err", err)
	}
}

func (a *App) memoryAlert(g monitor.Growth) {
	if !a.ntfy.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	err := a.ntfy.Publish(ctx, notify.Message{
		Title:    fmt.Sprintf("%s memory growth", a.instanceID),
		Body:     fmt.Sprintf("heap grew %d MiB in %s over %d requests", g.Bytes>>20, g.Over.Round(time.Second), g.Requests),
		Priority: notify.PriorityLow,
		Tags:     []string{"chart_with_upwards_trend"},
	})
	if err != nil {
		a.logger.Warn("failed to send memory alert", "err", err)
	}
}
