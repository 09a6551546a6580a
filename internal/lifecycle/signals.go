package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalSource produces at most one stop event. Wait blocks until the event
// arrives or ctx is done and returns a label used only for logging.
type SignalSource interface {
	Wait(ctx context.Context) (string, error)
}

// OSSignals waits for SIGINT or SIGTERM.
type OSSignals struct {
	Signals []os.Signal // defaults to SIGINT and SIGTERM
}

// Wait implements SignalSource.
func (s OSSignals) Wait(ctx context.Context) (string, error) {
	sigs := s.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		return sig.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ChanSignal is a SignalSource fed by a channel, for tests and embedding.
type ChanSignal <-chan string

// Wait implements SignalSource.
func (c ChanSignal) Wait(ctx context.Context) (string, error) {
	select {
	case label, ok := <-c:
		if !ok {
			return "channel closed", nil
		}
		return label, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StopOnSignal forwards the first event from src to h.RequestStop. It
// returns once a stop was requested, the handle completed, or ctx is done.
// A signal source that fails is logged and treated as lost; the handle then
// only stops through RequestStop or a listener fault.
func StopOnSignal(ctx context.Context, src SignalSource, h *Handle, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	label, err := src.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("signal source failed", "err", err)
		}
		return
	}
	logger.Info("shutdown signal received", "signal", label)
	h.RequestStop(label)
}
