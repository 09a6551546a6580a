package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhost/internal/config"
	"toolhost/internal/history"
	"toolhost/internal/lifecycle"
	"toolhost/internal/logging"
	"toolhost/internal/mcpserver"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

func runInBackground(t *testing.T, a *App, sig chan string) <-chan error {
	t.Helper()
	out := make(chan error, 1)
	go func() {
		rep, err := a.Run(context.Background(), lifecycle.ChanSignal(sig))
		if err == nil && !rep.OK() {
			err = rep.Overall.Err
		}
		out <- err
	}()
	return out
}

func waitServing(t *testing.T, a *App) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.Orchestrator().State() == lifecycle.StateServing
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInstanceID(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "toolhost-20260304-050607-4242", InstanceID("toolhost", now, 4242))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		rep  *lifecycle.Report
		err  error
		want int
	}{
		{"completed", &lifecycle.Report{Overall: lifecycle.Completed()}, nil, 0},
		{"timed out", &lifecycle.Report{Overall: lifecycle.TimedOut(errors.New("late"))}, nil, 1},
		{"failed", &lifecycle.Report{Overall: lifecycle.Failed(errors.New("boom"))}, nil, 1},
		{"bind failure", nil, lifecycle.ErrBindFailure, 1},
		{"no report", nil, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.rep, tt.err))
		})
	}
}

func TestApp_RegistersManagersByPhase(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)

	phases := map[string]int{}
	for _, e := range a.Registry().Entries() {
		phases[e.Name] = e.Phase
	}
	assert.Equal(t, map[string]int{
		"browser":        PhaseWorkers,
		"memory-monitor": PhaseWorkers,
		"usage":          PhaseWorkers,
		"sessions":       PhaseState,
		"history":        PhaseState,
		"tracing":        PhaseClients,
	}, phases)
}

func TestApp_RunAndStopCleanly(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	sig := make(chan string, 1)
	done := runInBackground(t, a, sig)
	waitServing(t, a)

	a.recordCall(mcpserver.Call{
		SessionID: "client-1",
		Tool:      "echo",
		Args:      map[string]any{"message": "hi"},
		Output:    "hi",
		Success:   true,
		Duration:  3 * time.Millisecond,
	})
	stats, ok := a.usage.Stats("client-1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Successful)

	sig <- "SIGTERM"
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	usageFile := filepath.Join(cfg.DataDir, "usage_"+a.InstanceID()+".json")
	data, err := os.ReadFile(usageFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "client-1")

	f, err := os.Open(filepath.Join(cfg.DataDir, "tool_history.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var records []history.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r history.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 1)
	assert.Equal(t, "echo", records[0].Tool)
	assert.Equal(t, "client-1", records[0].SessionID)
}

func TestApp_DisconnectForgetsConnection(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)

	require.NoError(t, a.sessions.Connect(context.Background(), "client-2"))
	a.usage.TrackSuccess("client-2", "echo")
	a.sessions.Disconnect(context.Background(), "client-2")

	_, ok := a.usage.Stats("client-2")
	assert.False(t, ok)
}

func TestApp_BindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(t)
	cfg.Addr = occupied.Addr().String()
	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	rep, err := a.Run(context.Background(), lifecycle.ChanSignal(make(chan string)))
	assert.Nil(t, rep)
	assert.ErrorIs(t, err, lifecycle.ErrBindFailure)
	assert.Equal(t, 1, ExitCode(rep, err))
}

func TestApp_UncleanShutdownSendsAlert(t *testing.T) {
	alerts := make(chan string, 1)
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		alerts <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ntfy.Close()

	cfg := testConfig(t)
	cfg.Ntfy = config.NtfyConfig{ServerURL: ntfy.URL, Topic: "toolhost-alerts"}
	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Registry().Register("tunnel", PhaseWorkers, lifecycle.HookFunc(func(ctx context.Context) error {
		return errors.New("tunnel refused to close")
	})))

	sig := make(chan string, 1)
	done := runInBackground(t, a, sig)
	waitServing(t, a)
	sig <- "SIGINT"

	select {
	case err := <-done:
		assert.ErrorIs(t, err, lifecycle.ErrManagerShutdownFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	select {
	case path := <-alerts:
		assert.Equal(t, "/toolhost-alerts", path)
	case <-time.After(time.Second):
		t.Fatal("no alert sent")
	}
}

func TestConnectRedis_BadURLFailsWithoutRetry(t *testing.T) {
	start := time.Now()
	_, err := connectRedis(context.Background(), "not-a-redis-url", logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
