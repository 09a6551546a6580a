package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhost/internal/logging"
)

func sleepHook(d time.Duration) HookFunc {
	return func(ctx context.Context) error {
		time.Sleep(d)
		return nil
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(logging.Discard())

	require.NoError(t, r.Register("browser", 0, sleepHook(0)))

	err := r.Register("browser", 1, sleepHook(0))
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	err = r.Register("tunnel", -1, sleepHook(0))
	assert.ErrorIs(t, err, ErrInvalidPhase)

	assert.Error(t, r.Register("", 0, sleepHook(0)))
	assert.Error(t, r.Register("nil-hook", 0, nil))

	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LateRegistrationRejected(t *testing.T) {
	r := NewRegistry(logging.Discard())
	require.NoError(t, r.Add("cache", sleepHook(0)))

	_, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: time.Second})
	require.NoError(t, err)

	err = r.Add("late", sleepHook(0))
	assert.ErrorIs(t, err, ErrRegistryClosed)

	_, err = r.ShutdownAll(context.Background(), PhaseBudget{Default: time.Second})
	assert.ErrorIs(t, err, ErrShutdownStarted)
}

func TestRegistry_EmptyShutdown(t *testing.T) {
	r := NewRegistry(logging.Discard())
	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: time.Second})
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRegistry_SamePhaseRunsConcurrently(t *testing.T) {
	r := NewRegistry(logging.Discard())
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Add(name, sleepHook(100*time.Millisecond)))
	}

	start := time.Now()
	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: 2 * time.Second})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Managers, 4)
	assert.Less(t, elapsed, 300*time.Millisecond, "managers in one phase should not run sequentially")
}

func TestRegistry_PhasesDoNotOverlap(t *testing.T) {
	r := NewRegistry(logging.Discard())

	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	hook := func(name string, d time.Duration, err error) HookFunc {
		return func(ctx context.Context) error {
			record("start " + name)
			time.Sleep(d)
			record("end " + name)
			return err
		}
	}

	require.NoError(t, r.Register("late", 1, hook("late", 0, nil)))
	require.NoError(t, r.Register("early-ok", 0, hook("early-ok", 50*time.Millisecond, nil)))
	require.NoError(t, r.Register("early-fail", 0, hook("early-fail", 10*time.Millisecond, errors.New("boom"))))

	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: time.Second})

	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"early-fail"}, se.Failed())
	assert.ErrorIs(t, err, ErrManagerShutdownFailure)

	require.Len(t, reports, 2)
	assert.Equal(t, 0, reports[0].Phase)
	assert.Equal(t, 1, reports[1].Phase)
	assert.Equal(t, StatusCompleted, reports[1].Managers[0].Outcome.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 6)
	assert.Equal(t, "start late", events[4], "phase 1 must start after every phase 0 entry ended")
}

func TestRegistry_ResultsKeepRegistrationOrderWithinPhase(t *testing.T) {
	r := NewRegistry(logging.Discard())
	require.NoError(t, r.Register("z-slow", 0, sleepHook(30*time.Millisecond)))
	require.NoError(t, r.Register("a-fast", 0, sleepHook(0)))
	require.NoError(t, r.Register("m-later", 2, sleepHook(0)))

	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: time.Second})
	require.NoError(t, err)

	var names []string
	for _, p := range reports {
		for _, m := range p.Managers {
			names = append(names, m.Name)
		}
	}
	assert.Equal(t, []string{"z-slow", "a-fast", "m-later"}, names)
}

func TestRegistry_HungManagerDoesNotBlockSiblingsOrLaterPhases(t *testing.T) {
	r := NewRegistry(logging.Discard())
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, r.Register("hung", 0, HookFunc(func(ctx context.Context) error {
		<-release
		return nil
	})))
	require.NoError(t, r.Register("sibling", 0, sleepHook(10*time.Millisecond)))

	var laterRan atomic.Bool
	require.NoError(t, r.Register("later", 1, HookFunc(func(ctx context.Context) error {
		laterRan.Store(true)
		return nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	start := time.Now()
	reports, err := r.ShutdownAll(ctx, PhaseBudget{Default: time.Hour})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManagerShutdownTimeout)
	assert.True(t, laterRan.Load(), "phase 1 must run after phase 0 timed out")
	assert.Less(t, elapsed, 500*time.Millisecond)

	require.Len(t, reports, 2)
	byName := map[string]Status{}
	for _, p := range reports {
		for _, m := range p.Managers {
			byName[m.Name] = m.Outcome.Status
		}
	}
	assert.Equal(t, StatusTimedOut, byName["hung"])
	assert.Equal(t, StatusCompleted, byName["sibling"])
	assert.Equal(t, StatusCompleted, byName["later"])

	// Phase 0 may use everything except the floor kept for phase 1.
	assert.LessOrEqual(t, reports[0].Deadline, 400*time.Millisecond-MinManagerBudget)
	assert.Greater(t, reports[0].Deadline, 300*time.Millisecond)
}

func TestRegistry_SlowPhaseUsesUnspentBudget(t *testing.T) {
	r := NewRegistry(logging.Discard())
	require.NoError(t, r.Register("slow", 0, sleepHook(300*time.Millisecond)))
	require.NoError(t, r.Register("quick", 1, sleepHook(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	reports, err := r.ShutdownAll(ctx, PhaseBudget{Default: time.Hour})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, StatusCompleted, reports[0].Managers[0].Outcome.Status)
	assert.Equal(t, StatusCompleted, reports[1].Managers[0].Outcome.Status)
}

func TestPhaseLimit(t *testing.T) {
	pb := PhaseBudget{Default: time.Hour, Overrides: map[int]time.Duration{2: 50 * time.Millisecond}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := phaseLimit(ctx, pb, 0, 3)
	assert.Greater(t, got, time.Second-2*MinManagerBudget-50*time.Millisecond)
	assert.LessOrEqual(t, got, time.Second-2*MinManagerBudget)

	assert.Equal(t, 50*time.Millisecond, phaseLimit(ctx, pb, 2, 1))

	tight, cancelTight := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancelTight()
	assert.LessOrEqual(t, phaseLimit(tight, pb, 0, 3), 5*time.Millisecond)

	assert.Equal(t, DefaultShutdownTimeout, phaseLimit(context.Background(), PhaseBudget{}, 0, 1))
}

func TestRegistry_PhaseOverride(t *testing.T) {
	r := NewRegistry(logging.Discard())
	require.NoError(t, r.Register("slow", 3, sleepHook(200*time.Millisecond)))

	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{
		Default:   time.Second,
		Overrides: map[int]time.Duration{3: 50 * time.Millisecond},
	})
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 50*time.Millisecond, reports[0].Deadline)
	assert.Equal(t, StatusTimedOut, reports[0].Managers[0].Outcome.Status)
}

func TestRegistry_PanicIsContained(t *testing.T) {
	r := NewRegistry(logging.Discard())
	require.NoError(t, r.Add("panics", HookFunc(func(ctx context.Context) error {
		panic("kaboom")
	})))
	require.NoError(t, r.Add("fine", sleepHook(0)))

	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManagerShutdownFailure)

	got := reports[0].Managers
	assert.Equal(t, StatusPanicked, got[0].Outcome.Status)
	assert.Contains(t, got[0].Outcome.Err.Error(), "kaboom")
	assert.Equal(t, StatusCompleted, got[1].Outcome.Status)
}

func TestRegistry_HookSeesPhaseDeadline(t *testing.T) {
	r := NewRegistry(logging.Discard())
	require.NoError(t, r.Add("ctx-aware", HookFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	reports, err := r.ShutdownAll(context.Background(), PhaseBudget{Default: 30 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, StatusTimedOut, reports[0].Managers[0].Outcome.Status)
}

func TestGroupByPhase(t *testing.T) {
	entries := []Entry{
		{Name: "b", Phase: 2},
		{Name: "a", Phase: 0},
		{Name: "c", Phase: 2},
		{Name: "d", Phase: 1},
	}
	groups := groupByPhase(entries)
	require.Len(t, groups, 3)
	assert.Equal(t, "a", groups[0][0].Name)
	assert.Equal(t, "d", groups[1][0].Name)
	assert.Equal(t, []string{"b", "c"}, []string{groups[2][0].Name, groups[2][1].Name})
	assert.Nil(t, groupByPhase(nil))
}
