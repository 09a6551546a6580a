package lifecycle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultBindTimeout bounds how long Bind waits for the transport factory.
const DefaultBindTimeout = 10 * time.Second

// TransportFactory turns an address into a listening socket.
type TransportFactory interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Scheme() string
}

// PlainTransport listens on plain TCP.
type PlainTransport struct{}

// Listen implements TransportFactory.
func (PlainTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// Scheme implements TransportFactory.
func (PlainTransport) Scheme() string { return "http" }

// TLSTransport listens on TCP and terminates TLS with a PEM key pair read at
// bind time, so an unreadable pair is reported as a bind failure.
type TLSTransport struct {
	CertFile string
	KeyFile  string
}

// Listen implements TransportFactory.
func (t TLSTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	ln, err := PlainTransport{}.Listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}), nil
}

// Scheme implements TransportFactory.
func (TLSTransport) Scheme() string { return "https" }

// Server is the serve loop driven by a Listener. *http.Server satisfies it.
type Server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
	Close() error
}

// BindConfig describes one listener.
type BindConfig struct {
	Addr      string
	Transport TransportFactory // nil means PlainTransport
	Server    Server
	Timeout   time.Duration // zero means DefaultBindTimeout
	Logger    *slog.Logger
}

// Listener is a bound socket with its serve loop running.
type Listener struct {
	addr   net.Addr
	scheme string
	server Server
	logger *slog.Logger

	done chan struct{}
	exit Outcome // written before done is closed

	mu      sync.Mutex
	drained bool
}

type listenResult struct {
	ln  net.Listener
	err error
}

// Bind opens the socket synchronously and starts the serve loop. It returns
// only after the socket is listening or binding has definitively failed.
func Bind(ctx context.Context, cfg BindConfig) (*Listener, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("%w: no server to bind", ErrInvalidConfig)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = PlainTransport{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBindTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan listenResult, 1)
	go func() {
		ln, err := transport.Listen(bindCtx, cfg.Addr)
		results <- listenResult{ln: ln, err: err}
	}()

	var ln net.Listener
	select {
	case res := <-results:
		if res.err != nil {
			return nil, &BindError{Addr: cfg.Addr, Err: res.err}
		}
		ln = res.ln
	case <-bindCtx.Done():
		// A socket that shows up after we gave up must not leak.
		go func() {
			if res := <-results; res.ln != nil {
				_ = res.ln.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, &BindError{Addr: cfg.Addr, Err: err}
		}
		return nil, &BindError{Addr: cfg.Addr, Timeout: timeout}
	}

	l := &Listener{
		addr:   ln.Addr(),
		scheme: transport.Scheme(),
		server: cfg.Server,
		logger: logger.With("component", "listener"),
		done:   make(chan struct{}),
	}
	go l.serve(ln)
	return l, nil
}

func (l *Listener) serve(ln net.Listener) {
	defer close(l.done)
	defer func() {
		if p := recover(); p != nil {
			o := Panicked(p)
			o.Err = fmt.Errorf("%w: %w", ErrListenerFault, o.Err)
			l.exit = o
			l.logger.Error("serve loop panicked", "addr", l.addr.String(), "panic", p)
		}
	}()

	err := l.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.exit = Failed(fmt.Errorf("%w: %w", ErrListenerFault, err))
		l.logger.Error("serve loop exited", "addr", l.addr.String(), "err", err)
		return
	}
	l.exit = Completed()
}

// Addr returns the bound address, with the real port when ":0" was requested.
func (l *Listener) Addr() string { return l.addr.String() }

// URL returns scheme://addr.
func (l *Listener) URL() string { return l.scheme + "://" + l.addr.String() }

// Done is closed when the serve loop exits for any reason.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Exit reports how the serve loop ended. ok is false while it is still running.
func (l *Listener) Exit() (o Outcome, ok bool) {
	select {
	case <-l.done:
		return l.exit, true
	default:
		return Outcome{}, false
	}
}

// Drain stops accepting, lets in-flight requests finish within timeout and
// then force-closes whatever is left.
func (l *Listener) Drain(timeout time.Duration) (Outcome, error) {
	if l == nil {
		return Outcome{}, ErrNotBound
	}
	l.mu.Lock()
	if l.drained {
		l.mu.Unlock()
		return Outcome{}, ErrAlreadyDrained
	}
	l.drained = true
	l.mu.Unlock()

	if o, ok := l.Exit(); ok {
		return o, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		_ = l.server.Close()
		l.logger.Warn("drain deadline reached, closed remaining connections", "timeout", timeout, "err", err)
		return TimedOut(fmt.Errorf("drain %s: %w", l.addr, err)), nil
	}

	select {
	case <-l.done:
		return l.exit, nil
	case <-ctx.Done():
		_ = l.server.Close()
		return TimedOut(fmt.Errorf("drain %s: serve loop still running after %s", l.addr, timeout)), nil
	}
}
