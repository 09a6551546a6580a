package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Provider opens the history log on first use. The outcome of the first
// attempt, including its error, is returned by every later call.
type Provider struct {
	open    func() (*History, error)
	started atomic.Bool
}

// NewProvider returns a Provider for cfg. The file is not touched until
// GetOrInit or History is called.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	p := &Provider{}
	p.open = sync.OnceValues(func() (*History, error) {
		p.started.Store(true)
		return Open(cfg, logger)
	})
	return p
}

// Name identifies the provider in startup logs.
func (p *Provider) Name() string { return "history" }

// GetOrInit opens the history log if it is not open yet.
func (p *Provider) GetOrInit(ctx context.Context) error {
	_, err := p.open()
	return err
}

// History returns the opened log.
func (p *Provider) History() (*History, error) {
	return p.open()
}

// Shutdown flushes the log if it was ever opened.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	h, err := p.open()
	if err != nil {
		return nil
	}
	return h.Shutdown(ctx)
}
