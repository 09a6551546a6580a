package lifecycle

import "time"

const (
	// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultDrainFraction is the share of the total deadline given to the listener.
	DefaultDrainFraction = 0.5
	// MinManagerBudget is the floor for the manager stage: one scheduling quantum.
	MinManagerBudget = 10 * time.Millisecond
)

// Budget splits one shutdown deadline between listener drain and manager
// shutdown. It is computed once per run and never modified.
type Budget struct {
	Total    time.Duration
	Listener time.Duration
	Managers time.Duration
}

// NewBudget derives the split from the caller's total deadline. Fractions
// outside (0,1] fall back to DefaultDrainFraction.
func NewBudget(total time.Duration, drainFraction float64) Budget {
	if total <= 0 {
		total = DefaultShutdownTimeout
	}
	if drainFraction <= 0 || drainFraction > 1 {
		drainFraction = DefaultDrainFraction
	}
	listener := time.Duration(float64(total) * drainFraction)
	if listener > total {
		listener = total
	}
	return Budget{
		Total:    total,
		Listener: listener,
		Managers: total - listener,
	}
}

// Remaining is the manager allocation once elapsed has been spent on the
// listener. Drain time that was not used rolls forward; the result never
// drops below MinManagerBudget.
func (b Budget) Remaining(elapsed time.Duration) time.Duration {
	left := b.Total - elapsed
	if left < MinManagerBudget {
		return MinManagerBudget
	}
	return left
}

// PhaseBudget tells Registry.ShutdownAll how long each phase may take.
// Default applies to every phase without an override; both are capped by the
// deadline of the context passed to ShutdownAll.
type PhaseBudget struct {
	Default   time.Duration
	Overrides map[int]time.Duration
}

func (pb PhaseBudget) limit(phase int) time.Duration {
	if d, ok := pb.Overrides[phase]; ok && d > 0 {
		return d
	}
	return pb.Default
}
