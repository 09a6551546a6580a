package mcpserver

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"

	"toolhost/internal/logging"
	"toolhost/internal/metrics"
	"toolhost/internal/session"
	"toolhost/internal/tracing"
)

// AnonymousSession is used for calls that arrive without a protocol session.
const AnonymousSession = "anonymous"

// Call describes one finished tool invocation.
type Call struct {
	SessionID string
	Tool      string
	Args      any
	Output    string
	Success   bool
	Duration  time.Duration
}

// Observer is told about every finished tool call.
type Observer interface {
	ObserveCall(c Call)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(c Call)

// ObserveCall implements Observer.
func (f ObserverFunc) ObserveCall(c Call) { f(c) }

// Config describes the protocol endpoint.
type Config struct {
	Name              string
	Version           string
	EndpointPath      string
	HeartbeatInterval time.Duration
}

// Server is the MCP protocol layer: a tool registry served over streamable
// HTTP, with per-call accounting.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	mcp       *server.MCPServer
	transport *server.StreamableHTTPServer
	sessions  *session.Manager

	mu        sync.RWMutex
	tools     []string
	observers []Observer

	requests atomic.Uint64

	streams      context.Context
	closeStreams context.CancelFunc
}

// New creates a Server. Client sessions are mirrored into sessions.
func New(cfg Config, sessions *session.Manager, logger *slog.Logger) *Server {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "mcp"),
		sessions: sessions,
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		if err := s.sessions.Connect(ctx, cs.SessionID()); err != nil {
			s.logger.Warn("session rejected", "session_id", cs.SessionID(), "err", err)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		s.sessions.Disconnect(ctx, cs.SessionID())
	})

	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)

	opts := []server.StreamableHTTPOption{server.WithEndpointPath(cfg.EndpointPath)}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, server.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}
	s.transport = server.NewStreamableHTTPServer(s.mcp, opts...)
	return s
}

// Observe adds an observer for finished tool calls.
func (s *Server) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// AddTool registers a tool, replacing any tool of the same name. The handler is wrapped with session tracking,
// metrics, tracing and observer notification.
func (s *Server) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.logger.Debug("registering tool", "tool", tool.Name)
	s.mcp.AddTool(tool, s.wrap(tool.Name, handler))

	s.mu.Lock()
	if !slices.Contains(s.tools, tool.Name) {
		s.tools = append(s.tools, tool.Name)
	}
	s.mu.Unlock()
	s.logger.Info("tool registered", "tool", tool.Name)
}

// Tools returns the registered tool names, sorted.
func (s *Server) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]string(nil), s.tools...)
	sort.Strings(out)
	return out
}

// Requests returns the number of tool calls handled so far.
func (s *Server) Requests() uint64 { return s.requests.Load() }

func sessionID(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return cs.SessionID()
	}
	return AnonymousSession
}

func (s *Server) wrap(name string, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := sessionID(ctx)
		ctx = logging.WithSessionID(ctx, id)
		ctx, span := tracing.ToolCallSpan(ctx, name, id)
		defer span.End()

		s.requests.Add(1)
		s.sessions.Touch(id)

		start := time.Now()
		res, err := next(ctx, req)
		elapsed := time.Since(start)

		success := err == nil && (res == nil || !res.IsError)
		status := "ok"
		if !success {
			status = "error"
			span.SetStatus(codes.Error, "tool call failed")
		}
		metrics.ToolCallsTotal.WithLabelValues(name, status).Inc()
		metrics.ToolCallDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())

		output := resultText(res)
		if err != nil {
			output = err.Error()
			logging.FromContext(ctx, s.logger).Warn("tool call failed", "tool", name, "err", err)
		}
		call := Call{
			SessionID: id,
			Tool:      name,
			Args:      req.GetArguments(),
			Output:    output,
			Success:   success,
			Duration:  elapsed,
		}
		s.mu.RLock()
		observers := s.observers
		s.mu.RUnlock()
		for _, o := range observers {
			o.ObserveCall(call)
		}
		return res, err
	}
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Handler returns the HTTP surface: the MCP endpoint, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.EndpointPath, s.endStreamsOnShutdown(s.transport))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// endStreamsOnShutdown ties long-lived GET streams to CloseStreams so that
// a graceful HTTP shutdown is not held open by idle listeners. Requests
// carrying tool calls are left alone.
func (s *Server) endStreamsOnShutdown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(s.streams, cancel)
		defer stop()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CloseStreams ends every open GET stream. Meant for
// http.Server.RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeStreams()
}
