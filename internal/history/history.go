package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolhost/internal/metrics"
)

// PreviousRun is the connection key under which records loaded from disk at
// startup are kept. No live session uses it.
const PreviousRun = "__previous__"

const (
	defaultMaxPerConnection = 1000
	defaultMaxOnDisk        = 5000
	defaultRotateEvery      = 100
	defaultQueueSize        = 1024
	flushInterval           = time.Second
)

// Record is one tool call as stored in memory and on disk (one JSON object
// per line).
type Record struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Output     string          `json:"output,omitempty"`
	Success    bool            `json:"success"`
	DurationMs int64           `json:"duration_ms"`
}

// Config controls the history log.
type Config struct {
	Path             string
	MaxPerConnection int
	MaxOnDisk        int
	RotateEvery      int
	QueueSize        int
}

func (c *Config) applyDefaults() {
	if c.MaxPerConnection <= 0 {
		c.MaxPerConnection = defaultMaxPerConnection
	}
	if c.MaxOnDisk <= 0 {
		c.MaxOnDisk = defaultMaxOnDisk
	}
	if c.RotateEvery <= 0 {
		c.RotateEvery = defaultRotateEvery
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

type update struct {
	remove string
	record Record
}

// History keeps the most recent tool calls of every connection in memory
// and appends all of them to a JSONL file from a background writer.
type History struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	byConn map[string][]Record

	sendMu  sync.RWMutex
	closed  bool
	updates chan update
	done    chan struct{}

	writes int // writer goroutine only
}

// Open loads any existing history file and starts the background writer.
func Open(cfg Config, logger *slog.Logger) (*History, error) {
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	h := &History{
		cfg:     cfg,
		logger:  logger.With("component", "history"),
		byConn:  make(map[string][]Record),
		updates: make(chan update, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	go h.run()
	return h, nil
}

func (h *History) load() error {
	f, err := os.Open(h.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if n := len(records); n > h.cfg.MaxPerConnection {
		records = records[n-h.cfg.MaxPerConnection:]
	}
	if len(records) > 0 {
		h.byConn[PreviousRun] = records
		h.logger.Info("loaded previous history", "records", len(records), "path", h.cfg.Path)
	}
	return nil
}

// Track queues a call for recording. It never blocks: when the queue is
// full or the history is closed the record is dropped.
func (h *History) Track(sessionID, tool string, args any, output string, success bool, elapsed time.Duration) {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	rec := Record{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		SessionID:  sessionID,
		Tool:       tool,
		Args:       raw,
		Output:     output,
		Success:    success,
		DurationMs: elapsed.Milliseconds(),
	}
	if !h.send(update{record: rec}) {
		metrics.HistoryRecordsTotal.WithLabelValues("dropped").Inc()
	}
}

// RemoveConnection forgets the in-memory history of a connection. Records
// already on disk are kept.
func (h *History) RemoveConnection(sessionID string) {
	h.send(update{remove: sessionID})
}

func (h *History) send(u update) bool {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.updates <- u:
		return true
	default:
		return false
	}
}

// Recent returns up to max records of a connection, newest first,
// optionally restricted to one tool.
func (h *History) Recent(sessionID string, max int, tool string) []Record {
	if max <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	records := h.byConn[sessionID]
	out := make([]Record, 0, min(max, len(records)))
	for i := len(records) - 1; i >= 0 && len(out) < max; i-- {
		if tool != "" && records[i].Tool != tool {
			continue
		}
		out = append(out, records[i])
	}
	return out
}

// Connections returns the number of connections with in-memory history.
func (h *History) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byConn)
}

func (h *History) run() {
	defer close(h.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []Record
	for {
		select {
		case u, ok := <-h.updates:
			if !ok {
				h.flush(pending)
				return
			}
			if u.remove != "" {
				h.mu.Lock()
				delete(h.byConn, u.remove)
				h.mu.Unlock()
				continue
			}
			h.remember(u.record)
			pending = append(pending, u.record)
		case <-ticker.C:
			h.flush(pending)
			pending = pending[:0]
		}
	}
}

func (h *History) remember(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := append(h.byConn[r.SessionID], r)
	if n := len(records); n > h.cfg.MaxPerConnection {
		records = records[n-h.cfg.MaxPerConnection:]
	}
	h.byConn[r.SessionID] = records
}

func (h *History) flush(records []Record) {
	if len(records) == 0 {
		return
	}
	if err := h.appendRecords(records); err != nil {
		metrics.HistoryRecordsTotal.WithLabelValues("failed").Add(float64(len(records)))
		h.logger.Error("failed to write history", "records", len(records), "err", err)
		return
	}
	metrics.HistoryRecordsTotal.WithLabelValues("written").Add(float64(len(records)))

	h.writes += len(records)
	if h.writes >= h.cfg.RotateEvery {
		h.writes = 0
		if err := h.rotate(); err != nil {
			h.logger.Error("failed to rotate history", "err", err)
		}
	}
}

func (h *History) appendRecords(records []Record) error {
	f, err := os.OpenFile(h.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rotate keeps only the newest MaxOnDisk lines of the history file.
func (h *History) rotate() error {
	data, err := os.ReadFile(h.cfg.Path)
	if err != nil {
		return err
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) <= h.cfg.MaxOnDisk {
		return nil
	}
	keep := lines[len(lines)-h.cfg.MaxOnDisk:]

	tmp := h.cfg.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range keep {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, h.cfg.Path); err != nil {
		return err
	}
	h.logger.Info("rotated history file", "kept", len(keep), "dropped", len(lines)-len(keep))
	return nil
}

// Shutdown stops accepting records and waits for the writer to flush what
// is queued.
func (h *History) Shutdown(ctx context.Context) error {
	h.sendMu.Lock()
	if !h.closed {
		h.closed = true
		close(h.updates)
	}
	h.sendMu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush history: %w", ctx.Err())
	}
}
