package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"toolhost/internal/metrics"
)

const (
	defaultInterval  = 30 * time.Second
	defaultThreshold = 100 << 20
)

// Sampler returns the current memory use in bytes.
type Sampler func() uint64

// HeapSampler reports bytes of allocated heap objects.
func HeapSampler() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Config controls the monitor.
type Config struct {
	Interval       time.Duration
	ThresholdBytes uint64
}

type snapshot struct {
	memory   uint64
	requests uint64
	at       time.Time
}

// Growth describes one warning raised by the monitor.
type Growth struct {
	Bytes    uint64
	Over     time.Duration
	Requests uint64
}

// Memory samples memory use at a fixed interval and warns when it grew by
// at least the threshold since the previous sample.
type Memory struct {
	cfg      Config
	sample   Sampler
	requests func() uint64
	logger   *slog.Logger
	onGrowth func(Growth)

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	last      *snapshot
}

// NewMemory creates a monitor. requests reports the number of requests
// processed so far and may be nil.
func NewMemory(cfg Config, sample Sampler, requests func() uint64, logger *slog.Logger) *Memory {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ThresholdBytes == 0 {
		cfg.ThresholdBytes = defaultThreshold
	}
	if sample == nil {
		sample = HeapSampler
	}
	if requests == nil {
		requests = func() uint64 { return 0 }
	}
	return &Memory{
		cfg:      cfg,
		sample:   sample,
		requests: requests,
		logger:   logger.With("component", "memory-monitor"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnGrowth sets a callback run for every growth warning. Must be called
// before Start.
func (m *Memory) OnGrowth(fn func(Growth)) { m.onGrowth = fn }

// Start begins sampling.
func (m *Memory) Start() {
	m.startOnce.Do(func() { go m.run() })
}

func (m *Memory) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

func (m *Memory) check(now time.Time) {
	cur := &snapshot{memory: m.sample(), requests: m.requests(), at: now}
	metrics.HeapAllocBytes.Set(float64(cur.memory))

	prev := m.last
	m.last = cur
	if prev == nil || cur.memory < prev.memory {
		return
	}
	growth := cur.memory - prev.memory
	if growth < m.cfg.ThresholdBytes {
		return
	}
	g := Growth{Bytes: growth, Over: cur.at.Sub(prev.at), Requests: cur.requests - prev.requests}
	m.logger.Warn("memory growth detected",
		"growth", formatBytes(g.Bytes),
		"over", g.Over,
		"requests", g.Requests)
	if m.onGrowth != nil {
		m.onGrowth(g)
	}
}

// Shutdown stops sampling.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.startOnce.Do(func() { close(m.done) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
