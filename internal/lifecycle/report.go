package lifecycle

import (
	"fmt"
	"log/slog"
	"time"
)

// Report is the write-once result of one shutdown run.
type Report struct {
	Trigger  string
	Started  time.Time
	Elapsed  time.Duration
	Budget   Budget
	Listener Outcome
	Managers []ManagerResult // ordered by phase, then registration
	Phases   []PhaseReport
	Overall  Outcome
}

// OK reports whether every component shut down cleanly.
func (r *Report) OK() bool { return r != nil && r.Overall.OK() }

// FailedComponents names every component that did not complete, the
// listener first.
func (r *Report) FailedComponents() []string {
	if r == nil {
		return nil
	}
	var names []string
	if !r.Listener.OK() {
		names = append(names, "listener")
	}
	for _, m := range r.Managers {
		if !m.Outcome.OK() {
			names = append(names, m.Name)
		}
	}
	return names
}

// LogValue implements slog.LogValuer.
func (r *Report) LogValue() slog.Value {
	if r == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("overall", r.Overall.Status.String()),
		slog.String("trigger", r.Trigger),
		slog.Duration("elapsed", r.Elapsed),
		slog.String("listener", r.Listener.Status.String()),
		slog.Int("managers", len(r.Managers)),
		slog.Any("failed", r.FailedComponents()),
	)
}

// finish derives Overall: Completed only when every sub-outcome completed,
// TimedOut once the total deadline is spent, otherwise the first cause.
func (r *Report) finish(managersErr error) {
	if r.Listener.OK() && managersErr == nil && allCompleted(r.Managers) {
		r.Overall = Completed()
		return
	}
	if r.Elapsed >= r.Budget.Total {
		r.Overall = TimedOut(fmt.Errorf("shutdown took %s, deadline was %s", r.Elapsed.Round(time.Millisecond), r.Budget.Total))
		return
	}
	if !r.Listener.OK() {
		r.Overall = r.Listener
		return
	}
	for _, m := range r.Managers {
		if !m.Outcome.OK() {
			r.Overall = Outcome{Status: m.Outcome.Status, Err: fmt.Errorf("%s: %w", m.Name, m.Outcome.Err)}
			return
		}
	}
	r.Overall = Failed(managersErr)
}

func allCompleted(results []ManagerResult) bool {
	for _, m := range results {
		if !m.Outcome.OK() {
			return false
		}
	}
	return true
}
