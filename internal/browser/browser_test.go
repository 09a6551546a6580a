package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"toolhost/internal/logging"
)

func TestShutdownWithoutLaunch(t *testing.T) {
	m := NewManager(Config{Headless: true}, logging.Discard())
	if m.Launched() {
		t.Fatal("expected no browser before first use")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}

func TestPageTitleAfterShutdown(t *testing.T) {
	m := NewManager(Config{Headless: true}, logging.Discard())
	_ = m.Shutdown(context.Background())

	_, err := m.PageTitle(context.Background(), "about:blank")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// Launches a real browser; opt in with TOOLHOST_BROWSER_TESTS=1.
func TestPageTitle(t *testing.T) {
	if os.Getenv("TOOLHOST_BROWSER_TESTS") == "" {
		t.Skip("set TOOLHOST_BROWSER_TESTS=1 to run browser tests")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title>toolhost test</title></head><body></body></html>")
	}))
	defer srv.Close()

	m := NewManager(Config{Bin: os.Getenv("TOOLHOST_BROWSER_PATH"), Headless: true}, logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := m.PageTitle(ctx, srv.URL)
	if err != nil {
		t.Fatalf("PageTitle failed: %v", err)
	}
	if title != "toolhost test" {
		t.Errorf("expected title 'toolhost test', got %q", title)
	}
	if !m.Launched() {
		t.Error("expected browser to be launched")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
