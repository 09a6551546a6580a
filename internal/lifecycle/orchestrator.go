package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"toolhost/internal/metrics"
	"toolhost/internal/tracing"
)

// State is a position in the orchestrator lifecycle.
type State int32

const (
	StateIdle State = iota
	StateBinding
	StateServing
	StateDrainingListener
	StateShuttingDownManagers
	StateDone
	StateBindFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBinding:
		return "binding"
	case StateServing:
		return "serving"
	case StateDrainingListener:
		return "draining_listener"
	case StateShuttingDownManagers:
		return "shutting_down_managers"
	case StateDone:
		return "done"
	case StateBindFailed:
		return "bind_failed"
	default:
		return "unknown"
	}
}

// Config is the startup input of an Orchestrator. It is not modified after
// New.
type Config struct {
	Addr            string
	Transport       TransportFactory
	ShutdownTimeout time.Duration
	DrainFraction   float64
	PhaseDeadlines  map[int]time.Duration
	BindTimeout     time.Duration
}

// Validate rejects values that NewBudget would otherwise silently replace.
func (c Config) Validate() error {
	var errs []error
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout %s is negative", c.ShutdownTimeout))
	}
	if c.DrainFraction < 0 || c.DrainFraction > 1 {
		errs = append(errs, fmt.Errorf("drain fraction %v outside (0,1]", c.DrainFraction))
	}
	if c.BindTimeout < 0 {
		errs = append(errs, fmt.Errorf("bind timeout %s is negative", c.BindTimeout))
	}
	for phase, d := range c.PhaseDeadlines {
		if phase < 0 {
			errs = append(errs, fmt.Errorf("phase deadline for %d: %w", phase, ErrInvalidPhase))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("phase %d deadline %s must be positive", phase, d))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Initializer is a lazily initialised capability, such as a telemetry
// backend, that Start brings up before binding. Failures degrade the
// service instead of aborting it.
type Initializer interface {
	Name() string
	GetOrInit(ctx context.Context) error
}

// Orchestrator owns one listener and a Registry of managers and runs the
// bounded shutdown protocol over them.
type Orchestrator struct {
	cfg          Config
	registry     *Registry
	server       Server
	logger       *slog.Logger
	initializers []Initializer

	state   atomic.Int32
	started atomic.Bool

	mu       sync.Mutex
	degraded map[string]error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithInitializers registers capabilities initialised by Start.
func WithInitializers(inits ...Initializer) Option {
	return func(o *Orchestrator) { o.initializers = append(o.initializers, inits...) }
}

// WithServer replaces the default *http.Server built around the handler.
func WithServer(s Server) Option {
	return func(o *Orchestrator) { o.server = s }
}

// New creates an Orchestrator serving handler. The registry may still
// receive registrations until shutdown starts.
func New(cfg Config, registry *Registry, handler http.Handler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default(),
		degraded: make(map[string]error),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = NewRegistry(o.logger)
	}
	if o.server == nil {
		o.server = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(o.logger.Handler(), slog.LevelWarn),
		}
	}
	o.logger = o.logger.With("component", "lifecycle")
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	metrics.LifecycleState.Set(float64(s))
	o.logger.Debug("state changed", "from", prev.String(), "to", s.String())
}

// Registry returns the manager registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Degraded returns the initializers that failed during Start.
func (o *Orchestrator) Degraded() map[string]error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.degraded)
}

// Start runs the initializers, binds the listener and returns once the
// service is accepting connections. ctx bounds startup only; stopping is
// done through the returned Handle. If the bind fails, initializers that are
// also a Hook are shut down before Start returns.
func (o *Orchestrator) Start(ctx context.Context) (*Handle, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	o.initialize(ctx)

	o.setState(StateBinding)
	ln, err := Bind(ctx, BindConfig{
		Addr:      o.cfg.Addr,
		Transport: o.cfg.Transport,
		Server:    o.server,
		Timeout:   o.cfg.BindTimeout,
		Logger:    o.logger,
	})
	if err != nil {
		o.setState(StateBindFailed)
		o.logger.Error("failed to bind listener", "addr", o.cfg.Addr, "err", err)
		o.releaseInitialized()
		return nil, err
	}
	o.setState(StateServing)
	o.logger.Info("serving", "url", ln.URL(), "managers", o.registry.Len())

	r := newRun(o.logger)
	go o.supervise(r, ln)
	return newHandle(r, ln), nil
}

func (o *Orchestrator) initialize(ctx context.Context) {
	for _, in := range o.initializers {
		if err := in.GetOrInit(ctx); err != nil {
			o.mu.Lock()
			o.degraded[in.Name()] = err
			o.mu.Unlock()
			metrics.DegradedComponents.Inc()
			o.logger.Warn("initializer failed, continuing without it", "initializer", in.Name(), "err", err)
			continue
		}
		o.logger.Debug("initializer ready", "initializer", in.Name())
	}
}

// releaseInitialized shuts down the initializers that started and also
// implement Hook. It runs only when the managers never will.
func (o *Orchestrator) releaseInitialized() {
	ctx, cancel := context.WithTimeout(context.Background(), NewBudget(o.cfg.ShutdownTimeout, o.cfg.DrainFraction).Total)
	defer cancel()
	for _, in := range o.initializers {
		hook, ok := in.(Hook)
		if !ok {
			continue
		}
		o.mu.Lock()
		_, failed := o.degraded[in.Name()]
		o.mu.Unlock()
		if failed {
			continue
		}
		if err := hook.Shutdown(ctx); err != nil {
			o.logger.Warn("failed to release initializer", "initializer", in.Name(), "err", err)
		}
	}
}

// supervise waits for the first stop trigger and runs the protocol once.
func (o *Orchestrator) supervise(r *run, ln *Listener) {
	select {
	case <-r.stop:
	case <-ln.Done():
		exit, _ := ln.Exit()
		r.requestStop("listener exited (" + exit.Status.String() + ")")
	}
	r.publish(o.shutdown(r.trigger, ln))
}

func (o *Orchestrator) shutdown(trigger string, ln *Listener) (rep *Report) {
	start := time.Now()
	budget := NewBudget(o.cfg.ShutdownTimeout, o.cfg.DrainFraction)
	rep = &Report{Trigger: trigger, Started: start, Budget: budget}

	defer func() {
		if p := recover(); p != nil {
			rep.Overall = Panicked(p)
			rep.Elapsed = time.Since(start)
			o.setState(StateDone)
			o.logger.Error("shutdown protocol panicked", "panic", p)
		}
	}()

	ctx, span := tracing.StartSpan(context.Background(), "lifecycle.shutdown",
		attribute.String("shutdown.trigger", trigger),
		attribute.Int64("shutdown.deadline_ms", budget.Total.Milliseconds()),
	)
	defer span.End()

	o.logger.Info("shutdown started", "trigger", trigger,
		"deadline", budget.Total, "listener_budget", budget.Listener)

	o.setState(StateDrainingListener)
	drainStart := time.Now()
	lo, err := ln.Drain(budget.Listener)
	if err != nil {
		lo = Failed(err)
	}
	rep.Listener = lo
	metrics.ListenerDrainDurationSeconds.Observe(time.Since(drainStart).Seconds())
	if lo.OK() {
		o.logger.Info("listener drained", "elapsed", time.Since(drainStart))
	} else {
		o.logger.Error("listener drain did not complete", "status", lo.Status.String(), "err", lo.Err)
	}

	o.setState(StateShuttingDownManagers)
	remaining := budget.Remaining(time.Since(start))
	mctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	phases, mErr := o.registry.ShutdownAll(mctx, PhaseBudget{Default: remaining, Overrides: o.cfg.PhaseDeadlines})
	if errors.Is(mErr, ErrShutdownStarted) {
		o.logger.Error("manager registry was already shut down elsewhere", "err", mErr)
	}
	rep.Phases = phases
	for _, ph := range phases {
		rep.Managers = append(rep.Managers, ph.Managers...)
	}

	rep.Elapsed = time.Since(start)
	rep.finish(mErr)
	o.setState(StateDone)

	metrics.ShutdownTotal.WithLabelValues(rep.Overall.Status.String()).Inc()
	metrics.ShutdownDurationSeconds.Observe(rep.Elapsed.Seconds())
	if rep.OK() {
		o.logger.Info("shutdown complete", "elapsed", rep.Elapsed, "managers", len(rep.Managers))
	} else {
		o.logger.Error("shutdown finished with failures",
			"status", rep.Overall.Status.String(),
			"failed", rep.FailedComponents(),
			"elapsed", rep.Elapsed,
			"err", rep.Overall.Err)
	}
	return rep
}
