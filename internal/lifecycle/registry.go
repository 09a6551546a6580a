package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"toolhost/internal/metrics"
	"toolhost/internal/tracing"
)

// PhaseNormal is the phase given to managers registered without one. With
// every manager in PhaseNormal, shutdown is a single parallel fan-out.
const PhaseNormal = 0

// Hook is implemented by anything with an explicit shutdown contract:
// browser pools, tunnels, connection pools, background writers.
//
// Shutdown receives a context that expires at the phase deadline. Hooks may
// honour it or ignore it; the registry stops waiting either way.
type Hook interface {
	Shutdown(ctx context.Context) error
}

// HookFunc adapts a plain function to Hook.
type HookFunc func(ctx context.Context) error

// Shutdown implements Hook.
func (f HookFunc) Shutdown(ctx context.Context) error { return f(ctx) }

// Entry is one registered manager.
type Entry struct {
	Name  string
	Phase int
	Hook  Hook
}

// ManagerResult is the outcome of one entry's shutdown.
type ManagerResult struct {
	Name     string
	Phase    int
	Outcome  Outcome
	Duration time.Duration
}

// PhaseReport groups the results of one phase.
type PhaseReport struct {
	Phase    int
	Deadline time.Duration
	Elapsed  time.Duration
	Managers []ManagerResult
}

// Registry holds the managers that must be shut down once the listener has
// drained. It is append-only until ShutdownAll freezes it.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	names   map[string]struct{}
	frozen  bool
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		names:  make(map[string]struct{}),
		logger: logger.With("component", "managers"),
	}
}

// Add registers hook in PhaseNormal.
func (r *Registry) Add(name string, hook Hook) error {
	return r.Register(name, PhaseNormal, hook)
}

// Register adds a named manager to phase. Lower phases shut down first.
func (r *Registry) Register(name string, phase int, hook Hook) error {
	if name == "" || hook == nil {
		return fmt.Errorf("register %q: name and hook are required", name)
	}
	if phase < 0 {
		return fmt.Errorf("register %q: %w (got %d)", name, ErrInvalidPhase, phase)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", name, ErrRegistryClosed)
	}
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateRegistration)
	}
	r.names[name] = struct{}{}
	r.entries = append(r.entries, Entry{Name: name, Phase: phase, Hook: hook})
	r.logger.Debug("manager registered", "manager", name, "phase", phase)
	return nil
}

// Entries returns a copy of the registered entries in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) freeze() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, ErrShutdownStarted
	}
	r.frozen = true
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out, nil
}

// ShutdownAll freezes the registry and shuts managers down phase by phase in
// ascending order. Entries of one phase run concurrently; the next phase
// starts only once every entry of the current one has returned or the phase
// deadline has passed.
//
// Each phase may use at most pb's limit for it, and at most an equal share
// of the time left on ctx, so a hung phase cannot consume what later phases
// need. The returned error is a *ShutdownError if any entry did not complete.
func (r *Registry) ShutdownAll(ctx context.Context, pb PhaseBudget) ([]PhaseReport, error) {
	entries, err := r.freeze()
	if err != nil {
		return nil, err
	}
	groups := groupByPhase(entries)
	r.logger.Info("shutting down managers", "managers", len(entries), "phases", len(groups))

	reports := make([]PhaseReport, 0, len(groups))
	var all []ManagerResult
	for i, group := range groups {
		limit := phaseLimit(ctx, pb, group[0].Phase, len(groups)-i)
		report := r.runPhase(ctx, group, limit)
		reports = append(reports, report)
		all = append(all, report.Managers...)
	}

	for _, res := range all {
		if !res.Outcome.OK() {
			return reports, &ShutdownError{Results: all}
		}
	}
	if len(all) > 0 {
		r.logger.Info("all managers shut down successfully", "managers", len(all))
	}
	return reports, nil
}

// phaseLimit gives a phase everything left on ctx except MinManagerBudget for
// each later phase. When even that floor does not fit, phases split the
// remainder evenly.
func phaseLimit(ctx context.Context, pb PhaseBudget, phase, phasesLeft int) time.Duration {
	limit := pb.limit(phase)
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		avail := left - time.Duration(phasesLeft-1)*MinManagerBudget
		if share := left / time.Duration(phasesLeft); avail < share {
			avail = share
		}
		if limit <= 0 || avail < limit {
			limit = avail
		}
	} else if limit <= 0 {
		limit = DefaultShutdownTimeout
	}
	if limit < 0 {
		limit = 0
	}
	return limit
}

type indexedResult struct {
	idx int
	res ManagerResult
}

func (r *Registry) runPhase(ctx context.Context, group []Entry, limit time.Duration) PhaseReport {
	phase := group[0].Phase
	ctx, span := tracing.StartSpan(ctx, "lifecycle.phase",
		attribute.Int("phase", phase),
		attribute.Int("phase.managers", len(group)),
	)
	defer span.End()

	start := time.Now()
	phaseCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	r.logger.Info("phase started", "phase", phase, "managers", len(group), "deadline", limit)

	// Buffered so that stragglers finishing after the deadline never block.
	done := make(chan indexedResult, len(group))
	var g errgroup.Group
	for i, e := range group {
		g.Go(func() error {
			done <- indexedResult{idx: i, res: invoke(phaseCtx, e)}
			return nil
		})
	}

	results := make([]ManagerResult, len(group))
	got := make([]bool, len(group))
	pending := len(group)
collect:
	for pending > 0 {
		select {
		case d := <-done:
			results[d.idx] = d.res
			got[d.idx] = true
			pending--
		case <-phaseCtx.Done():
			break collect
		}
	}

	elapsed := time.Since(start)
	var stragglers []string
	for i, e := range group {
		if got[i] {
			continue
		}
		stragglers = append(stragglers, e.Name)
		results[i] = ManagerResult{
			Name:     e.Name,
			Phase:    e.Phase,
			Outcome:  TimedOut(fmt.Errorf("%w: no return within %s", ErrManagerShutdownTimeout, limit)),
			Duration: elapsed,
		}
	}
	if len(stragglers) > 0 {
		go func() {
			_ = g.Wait()
			r.logger.Warn("managers finished after their phase deadline", "phase", phase, "managers", stragglers)
		}()
	}

	for _, res := range results {
		r.record(res)
	}
	r.logger.Info("phase finished", "phase", phase, "elapsed", elapsed)

	return PhaseReport{
		Phase:    phase,
		Deadline: limit,
		Elapsed:  elapsed,
		Managers: results,
	}
}

func invoke(ctx context.Context, e Entry) (res ManagerResult) {
	start := time.Now()
	res = ManagerResult{Name: e.Name, Phase: e.Phase}
	defer func() {
		if p := recover(); p != nil {
			res.Outcome = Panicked(p)
		}
		res.Duration = time.Since(start)
	}()

	err := e.Hook.Shutdown(ctx)
	switch {
	case err == nil:
		res.Outcome = Completed()
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		res.Outcome = TimedOut(fmt.Errorf("%w: %w", ErrManagerShutdownTimeout, err))
	default:
		res.Outcome = Failed(fmt.Errorf("%w: %w", ErrManagerShutdownFailure, err))
	}
	return res
}

func (r *Registry) record(res ManagerResult) {
	metrics.ManagerShutdownTotal.WithLabelValues(res.Name, res.Outcome.Status.String()).Inc()
	metrics.ManagerShutdownDurationSeconds.WithLabelValues(res.Name).Observe(res.Duration.Seconds())

	attrs := []any{"manager", res.Name, "phase", res.Phase, "elapsed", res.Duration}
	switch res.Outcome.Status {
	case StatusCompleted:
		r.logger.Info("manager shut down", attrs...)
	case StatusTimedOut:
		r.logger.Warn("manager shutdown timed out", append(attrs, "err", res.Outcome.Err)...)
	default:
		r.logger.Error("manager shutdown failed", append(attrs, "status", res.Outcome.Status.String(), "err", res.Outcome.Err)...)
	}
}

// groupByPhase returns entries grouped by ascending phase, keeping
// registration order within a phase.
func groupByPhase(entries []Entry) [][]Entry {
	if len(entries) == 0 {
		return nil
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Phase < sorted[j].Phase })

	var groups [][]Entry
	var current []Entry
	for _, e := range sorted {
		if len(current) > 0 && current[0].Phase != e.Phase {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, e)
	}
	return append(groups, current)
}
