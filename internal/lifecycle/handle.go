package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// run is the state shared by a Handle and the goroutine executing the
// shutdown protocol. It is kept apart from Handle so that dropping every
// Handle can be detected while the protocol goroutine is still alive.
type run struct {
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	trigger  string

	done      chan struct{}
	report    *Report
	collected atomic.Bool
}

func newRun(logger *slog.Logger) *run {
	return &run{
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *run) requestStop(source string) bool {
	first := false
	r.stopOnce.Do(func() {
		r.trigger = source
		first = true
		close(r.stop)
	})
	if !first {
		r.logger.Debug("stop already requested", "source", source)
	}
	return first
}

// publish stores the report and wakes every waiter. Called exactly once.
func (r *run) publish(rep *Report) {
	r.report = rep
	close(r.done)
}

// Handle is the caller's view of a running service.
type Handle struct {
	r        *run
	listener *Listener
}

func newHandle(r *run, ln *Listener) *Handle {
	h := &Handle{r: r, listener: ln}
	runtime.AddCleanup(h, func(r *run) {
		if r.collected.Load() {
			return
		}
		select {
		case <-r.done:
			r.logger.Warn("shutdown report was never collected", "report", r.report)
		default:
			r.logger.Warn("service handle dropped before shutdown completed")
		}
	}, r)
	return h
}

// RequestStop starts the shutdown protocol. Only the first call has an
// effect; later calls are logged at debug level.
func (h *Handle) RequestStop(source string) {
	h.r.requestStop(source)
}

// Done is closed once the report is available.
func (h *Handle) Done() <-chan struct{} { return h.r.done }

// Addr returns the bound listener address.
func (h *Handle) Addr() string { return h.listener.Addr() }

// URL returns the listener URL, e.g. http://127.0.0.1:8080.
func (h *Handle) URL() string { return h.listener.URL() }

// Report returns the report without blocking.
func (h *Handle) Report() (*Report, bool) {
	select {
	case <-h.r.done:
		h.r.collected.Store(true)
		return h.r.report, true
	default:
		return nil, false
	}
}

// AwaitCompletion blocks until the report is available or timeout passes.
// A timeout is always an error wrapping ErrAwaitTimeout.
func (h *Handle) AwaitCompletion(timeout time.Duration) (*Report, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.r.done:
		h.r.collected.Store(true)
		return h.r.report, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrAwaitTimeout, timeout)
	}
}

// Await is AwaitCompletion bounded by ctx instead of a duration.
func (h *Handle) Await(ctx context.Context) (*Report, error) {
	select {
	case <-h.r.done:
		h.r.collected.Store(true)
		return h.r.report, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAwaitTimeout, ctx.Err())
	}
}
