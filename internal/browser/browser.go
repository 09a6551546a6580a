package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrClosed is returned once the manager has shut down.
var ErrClosed = errors.New("browser manager closed")

// Config controls how the browser is started.
type Config struct {
	Bin      string // empty lets rod find or download a browser
	Headless bool
}

// Manager owns one lazily launched headless browser shared by all tool
// calls.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	closed   bool
}

// NewManager creates a Manager. Nothing is launched until the first call
// that needs a browser.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "browser"),
	}
}

// Launched reports whether a browser process is running.
func (m *Manager) Launched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

func (m *Manager) get(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.browser != nil {
		return m.browser, nil
	}

	// The process must outlive the call that happened to launch it.
	l := launcher.New().Context(context.WithoutCancel(ctx)).Headless(m.cfg.Headless)
	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	m.launcher = l
	m.browser = b
	m.logger.Info("browser launched", "control_url", controlURL)
	return b, nil
}

// PageTitle opens url in a new tab, waits for it to load and returns the
// document title.
func (m *Manager) PageTitle(ctx context.Context, url string) (string, error) {
	b, err := m.get(ctx)
	if err != nil {
		return "", err
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("open %s: %w", url, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			m.logger.Debug("failed to close page", "url", url, "err", err)
		}
	}()

	page = page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("load %s: %w", url, err)
	}
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("page info %s: %w", url, err)
	}
	return info.Title, nil
}

// Shutdown closes the browser if one was launched. A browser that does not
// close before ctx is done is killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	b, l := m.browser, m.launcher
	m.browser, m.launcher = nil, nil
	m.mu.Unlock()

	if b == nil {
		return nil
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- b.Close() }()

	select {
	case err := <-done:
		l.Cleanup()
		if err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
		m.logger.Info("browser closed", "elapsed", time.Since(start))
		return nil
	case <-ctx.Done():
		l.Kill()
		return fmt.Errorf("close browser: %w", ctx.Err())
	}
}
