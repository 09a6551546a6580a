package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"toolhost/internal/metrics"
)

const (
	defaultFlushInterval  = 5 * time.Minute
	defaultSessionTimeout = 30 * time.Minute
)

// Stats are the counters of one connection.
type Stats struct {
	TotalCalls    uint64            `json:"total_tool_calls"`
	Successful    uint64            `json:"successful_calls"`
	Failed        uint64            `json:"failed_calls"`
	ToolCounts    map[string]uint64 `json:"tool_counts"`
	FirstUsed     time.Time         `json:"first_used"`
	LastUsed      time.Time         `json:"last_used"`
	TotalSessions uint64            `json:"total_sessions"`
}

func (s Stats) clone() Stats {
	s.ToolCounts = maps.Clone(s.ToolCounts)
	return s
}

// Sink persists a snapshot of all connections.
type Sink interface {
	Name() string
	Save(ctx context.Context, instanceID string, snapshot map[string]Stats) error
}

// Config controls the tracker.
type Config struct {
	InstanceID     string
	FlushInterval  time.Duration
	SessionTimeout time.Duration
}

// Tracker counts tool calls per connection and periodically writes the
// counters to its sinks.
type Tracker struct {
	cfg    Config
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	byConn map[string]*Stats
	dirty  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   time.Time
}

// NewTracker creates a Tracker writing to sinks.
func NewTracker(cfg Config, logger *slog.Logger, sinks ...Sink) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	return &Tracker{
		cfg:     cfg,
		sinks:   sinks,
		logger:  logger.With("component", "usage"),
		now:     time.Now,
		byConn:  make(map[string]*Stats),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

// TrackSuccess counts a successful call.
func (t *Tracker) TrackSuccess(conn, tool string) { t.track(conn, tool, true) }

// TrackFailure counts a failed call.
func (t *Tracker) TrackFailure(conn, tool string) { t.track(conn, tool, false) }

func (t *Tracker) track(conn, tool string, ok bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.byConn[conn]
	if !exists {
		s = &Stats{ToolCounts: make(map[string]uint64), FirstUsed: now, LastUsed: now, TotalSessions: 1}
		t.byConn[conn] = s
	} else if now.Sub(s.LastUsed) > t.cfg.SessionTimeout {
		s.TotalSessions++
	}
	s.TotalCalls++
	if ok {
		s.Successful++
	} else {
		s.Failed++
	}
	s.ToolCounts[tool]++
	s.LastUsed = now
	t.dirty = true
}

// Stats returns a copy of one connection's counters.
func (t *Tracker) Stats(conn string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byConn[conn]
	if !ok {
		return Stats{}, false
	}
	return s.clone(), true
}

// RemoveConnection drops a connection's counters.
func (t *Tracker) RemoveConnection(conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byConn[conn]; ok {
		delete(t.byConn, conn)
		t.dirty = true
	}
}

// Uptime is the time since the tracker was created.
func (t *Tracker) Uptime() time.Duration { return time.Since(t.started) }

func (t *Tracker) snapshot() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.byConn))
	for conn, s := range t.byConn {
		out[conn] = s.clone()
	}
	t.dirty = false
	return out
}

// Flush writes the current counters to every sink. Every sink is tried;
// their errors are joined.
func (t *Tracker) Flush(ctx context.Context) error {
	snap := t.snapshot()
	var errs []error
	for _, sink := range t.sinks {
		if err := sink.Save(ctx, t.cfg.InstanceID, snap); err != nil {
			metrics.UsageFlushTotal.WithLabelValues(sink.Name(), "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		metrics.UsageFlushTotal.WithLabelValues(sink.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}

// Start begins periodic flushing. Calling it more than once has no effect.
func (t *Tracker) Start() {
	t.startOnce.Do(func() { go t.run() })
}

func (t *Tracker) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if !dirty {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushInterval)
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn("periodic usage flush failed", "err", err)
			}
			cancel()
		}
	}
}

// Shutdown stops periodic flushing and writes the final counters.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.startOnce.Do(func() { close(t.done) })

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.Flush(ctx); err != nil {
		return fmt.Errorf("final usage flush: %w", err)
	}
	t.logger.Info("usage statistics saved", "instance", t.cfg.InstanceID)
	return nil
}
